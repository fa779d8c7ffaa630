package sandbox

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
)

func TestDockerRuntime_ForwardKeepsRedirects(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/login" {
			http.Redirect(w, r, "/dashboard", http.StatusFound)
			return
		}
		io.WriteString(w, "dashboard")
	}))
	defer upstream.Close()

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(upstream.URL, "http://"))
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	d := &DockerRuntime{cfg: DockerConfig{ServicePort: port}, http: newServiceClient()}
	ctx := context.Background()
	in := httptest.NewRequest(http.MethodGet, "/sandboxes/sb/service/login", nil)
	out, err := proxyRequest(ctx, "sb", "login", in)
	if err != nil {
		t.Fatalf("proxyRequest() error = %v", err)
	}

	resp, err := d.forward(ctx, host, out)
	if err != nil {
		t.Fatalf("forward() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d; want %d", resp.StatusCode, http.StatusFound)
	}
	if got := resp.Header.Get("Location"); got != "/dashboard" {
		t.Errorf("Location = %q; want %q", got, "/dashboard")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits = %d; want 1", got)
	}
}
