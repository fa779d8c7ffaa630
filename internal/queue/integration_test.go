//go:build integration

package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/sandboxgate/internal/queue"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

func setupRabbitMQ(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := rabbitmq.Run(ctx, "rabbitmq:3.12-management")
	if err != nil {
		t.Fatalf("failed to start RabbitMQ container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	amqpURL, err := container.AmqpURL(ctx)
	if err != nil {
		t.Fatalf("failed to get AMQP URL: %v", err)
	}
	return amqpURL
}

func connect(t *testing.T, amqpURL string) *queue.Connection {
	t.Helper()
	conn, err := queue.NewConnection(amqpURL, "test."+uuid.NewString())
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestIntegration_Connection_ConnectAndClose(t *testing.T) {
	amqpURL := setupRabbitMQ(t)

	conn, err := queue.NewConnection(amqpURL, "")
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	if conn.Queue() != queue.DefaultEventQueue {
		t.Errorf("Queue() = %q; want %q", conn.Queue(), queue.DefaultEventQueue)
	}
	if !conn.IsConnected() {
		t.Error("IsConnected() = false; want true")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestIntegration_Connection_InvalidURL(t *testing.T) {
	if _, err := queue.NewConnection("amqp://invalid:5672", ""); err == nil {
		t.Error("NewConnection() error = nil; want error")
	}
}

func TestIntegration_PublishAndConsume(t *testing.T) {
	conn := connect(t, setupRabbitMQ(t))
	publisher := queue.NewPublisher(conn)

	var (
		mu       sync.Mutex
		received []sandbox.Event
		done     = make(chan struct{})
	)
	consumer := queue.NewConsumer(conn, func(_ context.Context, e sandbox.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
		if len(received) == 3 {
			close(done)
		}
		return nil
	}, queue.ConsumerConfig{Workers: 1})

	ctx := context.Background()
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer consumer.Stop()

	sent := []sandbox.Event{
		sandbox.NewEvent(sandbox.EventCreated, "sb-1", map[string]any{"name": "demo"}),
		sandbox.NewEvent(sandbox.EventCommandExecuted, "sb-1", nil),
		sandbox.NewEvent(sandbox.EventDeleted, "sb-1", nil),
	}
	for _, e := range sent {
		if err := publisher.Publish(ctx, e); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, e := range received {
		if e.ID != sent[i].ID || e.Type != sent[i].Type {
			t.Errorf("event[%d] = %s %s; want %s %s", i, e.ID, e.Type, sent[i].ID, sent[i].Type)
		}
	}
	if received[0].Data["name"] != "demo" {
		t.Errorf("Data = %v; want name=demo", received[0].Data)
	}
}

func TestIntegration_Consumer_HandlerErrorRequeuesOnce(t *testing.T) {
	conn := connect(t, setupRabbitMQ(t))

	var attempts atomic.Int32
	consumer := queue.NewConsumer(conn, func(context.Context, sandbox.Event) error {
		attempts.Add(1)
		return errors.New("handler failed")
	}, queue.ConsumerConfig{Workers: 1})

	ctx := context.Background()
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer consumer.Stop()

	if err := queue.NewPublisher(conn).Publish(ctx, sandbox.NewEvent(sandbox.EventFailed, "sb-2", nil)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for attempts.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	if got := attempts.Load(); got != 2 {
		t.Errorf("handler attempts = %d; want 2", got)
	}
}

func TestIntegration_Connection_PublishJSON(t *testing.T) {
	conn := connect(t, setupRabbitMQ(t))

	if err := conn.PublishJSON(context.Background(), map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	msg, ok, err := conn.Channel().Get(conn.Queue(), true)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v; want a message", ok, err)
	}
	if string(msg.Body) != `{"hello":"world"}` {
		t.Errorf("Body = %s", msg.Body)
	}
}
