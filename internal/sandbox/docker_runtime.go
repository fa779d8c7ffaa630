package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	containerPrefix = "sandboxgate-"
	labelSandboxID  = "sandboxgate.sandbox"
	processLogDir   = "/tmp/sandboxgate"
)

// DockerConfig holds container parameters for every sandbox.
type DockerConfig struct {
	Image       string
	MemoryMB    int
	CPULimit    float64
	Network     string
	WorkDir     string
	ServicePort int
	ExecTimeout time.Duration
}

// DefaultDockerConfig returns sensible defaults for general-purpose sandboxes.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Image:       "alpine:3.20",
		MemoryMB:    512,
		CPULimit:    1.0,
		Network:     "bridge",
		WorkDir:     "/workspace",
		ServicePort: 8080,
		ExecTimeout: 5 * time.Minute,
	}
}

// DockerRuntime runs each sandbox as a long-lived Docker container.
type DockerRuntime struct {
	client *client.Client
	cfg    DockerConfig
	http   *http.Client

	mu    sync.Mutex
	ports map[string]map[int]ExposedPort
}

// NewDockerRuntime connects to the Docker daemon described by the environment.
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	def := DefaultDockerConfig()
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.Network == "" {
		cfg.Network = def.Network
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	if cfg.ServicePort == 0 {
		cfg.ServicePort = def.ServicePort
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker not reachable: %w", err)
	}

	return &DockerRuntime{
		client: cli,
		cfg:    cfg,
		http:   newServiceClient(),
		ports:  make(map[string]map[int]ExposedPort),
	}, nil
}

func containerName(id string) string {
	return containerPrefix + id
}

// Create starts the sandbox container.
func (d *DockerRuntime) Create(ctx context.Context, id string) error {
	if err := d.ensureImage(ctx, d.cfg.Image); err != nil {
		return fmt.Errorf("ensure image: %w", err)
	}

	containerCfg := &container.Config{
		Image:      d.cfg.Image,
		Cmd:        []string{"sh", "-c", "mkdir -p " + d.cfg.WorkDir + " && while true; do sleep 3600; done"},
		WorkingDir: "/",
		Tty:        false,
		Labels: map[string]string{
			labelSandboxID: id,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.Network),
		Resources: container.Resources{
			Memory:   int64(d.cfg.MemoryMB) * 1024 * 1024,
			NanoCPUs: int64(d.cfg.CPULimit * 1e9),
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(id))
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// Destroy stops and removes the sandbox container. Missing containers are ignored.
func (d *DockerRuntime) Destroy(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.ports, id)
	d.mu.Unlock()

	timeout := 10
	name := containerName(id)
	_ = d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Exec runs command through sh and buffers its output.
func (d *DockerRuntime) Exec(ctx context.Context, id, command string) (*ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, d.cfg.ExecTimeout)
	defer cancel()

	execID, attach, err := d.startExec(execCtx, id, command)
	if err != nil {
		return nil, err
	}
	defer attach.Close()

	start := time.Now()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}
	duration := time.Since(start)

	inspect, err := d.client.ContainerExecInspect(execCtx, execID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}

// ExecStream runs command and emits output frames while it runs.
func (d *DockerRuntime) ExecStream(ctx context.Context, id, command string) (<-chan Frame, error) {
	execID, attach, err := d.startExec(ctx, id, command)
	if err != nil {
		return nil, err
	}

	frames := make(chan Frame)
	go func() {
		defer close(frames)
		defer attach.Close()
		stop := context.AfterFunc(ctx, attach.Close)
		defer stop()

		send := func(f Frame) bool {
			select {
			case frames <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stdout := &frameWriter{stream: Stdout, send: send}
		stderr := &frameWriter{stream: Stderr, send: send}
		if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(Failed(fmt.Errorf("read exec output: %w", err)))
			return
		}

		inspect, err := d.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			send(Failed(fmt.Errorf("inspect exec: %w", err)))
			return
		}
		send(Done(inspect.ExitCode))
	}()
	return frames, nil
}

var errConsumerGone = errors.New("stream consumer gone")

// frameWriter turns each demultiplexed write into an output frame.
type frameWriter struct {
	stream Stream
	send   func(Frame) bool
}

func (w *frameWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	if !w.send(Output(w.stream, data)) {
		return 0, errConsumerGone
	}
	return len(p), nil
}

func (d *DockerRuntime) startExec(ctx context.Context, id, command string) (string, *attachedExec, error) {
	execResp, err := d.client.ContainerExecCreate(ctx, containerName(id), container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		WorkingDir:   d.cfg.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("create exec: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", nil, fmt.Errorf("attach exec: %w", err)
	}
	return execResp.ID, &attachedExec{Reader: resp.Reader, close: resp.Close}, nil
}

// attachedExec makes the hijacked connection safe to close twice.
type attachedExec struct {
	Reader io.Reader
	close  func()
	once   sync.Once
}

func (a *attachedExec) Close() {
	a.once.Do(a.close)
}

// run executes command and turns a non-zero exit into an error.
func (d *DockerRuntime) run(ctx context.Context, id, command string) (*ExecResult, error) {
	res, err := d.Exec(ctx, id, command)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return nil, fmt.Errorf("exit code %d: %s", res.ExitCode, msg)
	}
	return res, nil
}

// WriteFile copies content into the container as a single-entry tar.
func (d *DockerRuntime) WriteFile(ctx context.Context, id, filePath string, content []byte) error {
	dir, name := path.Split(path.Clean(filePath))
	if dir == "" {
		dir = d.cfg.WorkDir
	}
	if _, err := d.run(ctx, id, "mkdir -p "+shellQuote(dir)); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	return d.client.CopyToContainer(ctx, containerName(id), dir, &buf, container.CopyToContainerOptions{})
}

// ReadFile copies one regular file out of the container.
func (d *DockerRuntime) ReadFile(ctx context.Context, id, filePath string) ([]byte, error) {
	rc, _, err := d.client.CopyFromContainer(ctx, containerName(id), filePath)
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("read tar: %w", err)
	}
	if hdr.Typeflag == tar.TypeDir {
		return nil, fmt.Errorf("%s is a directory", filePath)
	}
	return io.ReadAll(tr)
}

func (d *DockerRuntime) Mkdir(ctx context.Context, id, dir string) error {
	_, err := d.run(ctx, id, "mkdir -p "+shellQuote(dir))
	return err
}

func (d *DockerRuntime) DeleteFile(ctx context.Context, id, filePath string) error {
	_, err := d.run(ctx, id, "rm -rf "+shellQuote(filePath))
	return err
}

func (d *DockerRuntime) RenameFile(ctx context.Context, id, oldPath, newPath string) error {
	_, err := d.run(ctx, id, "mv "+shellQuote(oldPath)+" "+shellQuote(newPath))
	return err
}

func (d *DockerRuntime) MoveFile(ctx context.Context, id, sourcePath, destinationPath string) error {
	cmd := fmt.Sprintf("mkdir -p %s && mv %s %s",
		shellQuote(path.Dir(destinationPath)), shellQuote(sourcePath), shellQuote(destinationPath))
	_, err := d.run(ctx, id, cmd)
	return err
}

// StartProcess launches command with nohup; output lands in per-pid log files.
func (d *DockerRuntime) StartProcess(ctx context.Context, id, command string) (*Process, error) {
	tmp := fmt.Sprintf("%s/start-%d", processLogDir, time.Now().UnixNano())
	script := fmt.Sprintf(
		"mkdir -p %[1]s && nohup sh -c %[2]s > %[3]s.out 2> %[3]s.err & pid=$!; mv %[3]s.out %[1]s/$pid.out; mv %[3]s.err %[1]s/$pid.err; echo $pid",
		processLogDir, shellQuote(command), tmp,
	)
	res, err := d.run(ctx, id, script)
	if err != nil {
		return nil, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return nil, fmt.Errorf("parse pid %q: %w", strings.TrimSpace(res.Stdout), err)
	}
	return &Process{
		ID:        fmt.Sprintf("proc-%d", pid),
		PID:       pid,
		Command:   command,
		Status:    "running",
		StartTime: time.Now().UTC(),
	}, nil
}

func parsePID(processID string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimPrefix(processID, "proc-"))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid process id %q", processID)
	}
	return pid, nil
}

func (d *DockerRuntime) KillProcess(ctx context.Context, id, processID string) error {
	pid, err := parsePID(processID)
	if err != nil {
		return err
	}
	_, err = d.run(ctx, id, fmt.Sprintf("kill %d", pid))
	return err
}

func (d *DockerRuntime) ProcessLogs(ctx context.Context, id, processID string) (*ProcessLogs, error) {
	pid, err := parsePID(processID)
	if err != nil {
		return nil, err
	}
	stdout, err := d.run(ctx, id, fmt.Sprintf("cat %s/%d.out", processLogDir, pid))
	if err != nil {
		return nil, err
	}
	stderr, err := d.run(ctx, id, fmt.Sprintf("cat %s/%d.err", processLogDir, pid))
	if err != nil {
		return nil, err
	}
	return &ProcessLogs{ProcessID: processID, Stdout: stdout.Stdout, Stderr: stderr.Stdout}, nil
}

// ExposePort records a port as reachable on the container's network address.
func (d *DockerRuntime) ExposePort(ctx context.Context, id string, port int, name, hostname string) (*ExposedPort, error) {
	ip, err := d.containerIP(ctx, id)
	if err != nil {
		return nil, err
	}
	exposed := ExposedPort{
		Port: port,
		Name: name,
		URL:  "http://" + net.JoinHostPort(ip, strconv.Itoa(port)) + "/",
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ports[id] == nil {
		d.ports[id] = make(map[int]ExposedPort)
	}
	d.ports[id][port] = exposed
	return &exposed, nil
}

func (d *DockerRuntime) UnexposePort(_ context.Context, id string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.ports[id][port]; !ok {
		return fmt.Errorf("port %d is not exposed", port)
	}
	delete(d.ports[id], port)
	return nil
}

func (d *DockerRuntime) ExposedPorts(_ context.Context, id, _ string) ([]ExposedPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ExposedPort, 0, len(d.ports[id]))
	for _, p := range d.ports[id] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

func (d *DockerRuntime) GitCheckout(ctx context.Context, id, repoURL, branch, targetDir string) error {
	cmd := fmt.Sprintf("git clone --depth 1 --branch %s %s %s",
		shellQuote(branch), shellQuote(repoURL), shellQuote(targetDir))
	_, err := d.run(ctx, id, cmd)
	return err
}

// Fetch sends req to the container's address. Requests without an explicit
// port go to the configured service port.
func (d *DockerRuntime) Fetch(ctx context.Context, id string, req *http.Request) (*http.Response, error) {
	ip, err := d.containerIP(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.forward(ctx, ip, req)
}

// newServiceClient builds the client used to reach sandbox services.
// Redirects are handed back to the caller as-is, and there is no client
// timeout because proxied responses may stream indefinitely.
func newServiceClient() *http.Client {
	return &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (d *DockerRuntime) forward(ctx context.Context, ip string, req *http.Request) (*http.Response, error) {
	port := req.URL.Port()
	if port == "" {
		port = strconv.Itoa(d.cfg.ServicePort)
	}

	out := req.Clone(ctx)
	out.URL.Host = net.JoinHostPort(ip, port)
	out.Host = req.URL.Host
	return d.http.Do(out)
}

func (d *DockerRuntime) containerIP(ctx context.Context, id string) (string, error) {
	info, err := d.client.ContainerInspect(ctx, containerName(id))
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if !info.State.Running {
		return "", fmt.Errorf("container %s is not running", containerName(id))
	}
	if info.NetworkSettings != nil {
		if ep, ok := info.NetworkSettings.Networks[d.cfg.Network]; ok && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
		for _, ep := range info.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				return ep.IPAddress, nil
			}
		}
	}
	return "", fmt.Errorf("container %s has no network address", containerName(id))
}

// Close releases the Docker client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

func (d *DockerRuntime) ensureImage(ctx context.Context, img string) error {
	if _, err := d.client.ImageInspect(ctx, img); err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

var _ Runtime = (*DockerRuntime)(nil)
