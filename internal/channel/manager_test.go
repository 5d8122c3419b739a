package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTracker struct {
	mu        sync.Mutex
	completed []string
	released  []string
	done      chan struct{}
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{done: make(chan struct{}, 16)}
}

func (f *fakeTracker) Complete(key string) {
	f.mu.Lock()
	f.completed = append(f.completed, key)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeTracker) Release(key string) {
	f.mu.Lock()
	f.released = append(f.released, key)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeTracker) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery outcome")
	}
}

func (f *fakeTracker) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...), append([]string(nil), f.released...)
}

type processorFunc func(ctx context.Context, msg InboundMessage) error

func (f processorFunc) ProcessInbound(ctx context.Context, msg InboundMessage) error {
	return f(ctx, msg)
}

func inbound(key string) InboundMessage {
	return InboundMessage{
		Channel:  ChannelType("wechat"),
		Message:  Message{FromUser: "u", Type: MessageTypeText, Content: "hi"},
		DedupKey: key,
	}
}

func TestManagerCompletesSuccessfulDelivery(t *testing.T) {
	t.Parallel()

	tracker := newFakeTracker()
	got := make(chan InboundMessage, 1)
	m := NewManager(nil, processorFunc(func(_ context.Context, msg InboundMessage) error {
		got <- msg
		return nil
	}), tracker, ManagerConfig{})
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	if err := m.HandleInbound(context.Background(), inbound("k1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	tracker.wait(t)
	if msg := <-got; msg.Message.Content != "hi" {
		t.Fatalf("unexpected message: %#v", msg)
	}
	completed, released := tracker.snapshot()
	if len(completed) != 1 || completed[0] != "k1" || len(released) != 0 {
		t.Fatalf("unexpected outcome: completed=%v released=%v", completed, released)
	}
}

func TestManagerReleasesFailedDelivery(t *testing.T) {
	t.Parallel()

	tracker := newFakeTracker()
	m := NewManager(nil, processorFunc(func(context.Context, InboundMessage) error {
		return errors.New("relay down")
	}), tracker, ManagerConfig{Workers: 1})
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	if err := m.HandleInbound(context.Background(), inbound("k2")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	tracker.wait(t)
	_, released := tracker.snapshot()
	if len(released) != 1 || released[0] != "k2" {
		t.Fatalf("expected k2 released, got %v", released)
	}
}

func TestManagerRecoversPanics(t *testing.T) {
	t.Parallel()

	tracker := newFakeTracker()
	m := NewManager(nil, processorFunc(func(context.Context, InboundMessage) error {
		panic("boom")
	}), tracker, ManagerConfig{Workers: 1})
	m.Start(context.Background())
	defer m.Shutdown(context.Background())

	_ = m.HandleInbound(context.Background(), inbound("k3"))
	tracker.wait(t)
	_, released := tracker.snapshot()
	if len(released) != 1 || released[0] != "k3" {
		t.Fatalf("expected k3 released after panic, got %v", released)
	}
}

func TestManagerQueueFullReleasesKey(t *testing.T) {
	t.Parallel()

	tracker := newFakeTracker()
	// not started, so nothing drains the queue
	m := NewManager(nil, processorFunc(func(context.Context, InboundMessage) error { return nil }), tracker, ManagerConfig{QueueSize: 1, Workers: 1})

	if err := m.HandleInbound(context.Background(), inbound("a")); err != nil {
		t.Fatalf("expected first enqueue to succeed, got %v", err)
	}
	if err := m.HandleInbound(context.Background(), inbound("b")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	_, released := tracker.snapshot()
	if len(released) != 1 || released[0] != "b" {
		t.Fatalf("expected b released, got %v", released)
	}
}

func TestManagerShutdownReleasesQueuedAndRejectsNew(t *testing.T) {
	t.Parallel()

	tracker := newFakeTracker()
	m := NewManager(nil, processorFunc(func(context.Context, InboundMessage) error { return nil }), tracker, ManagerConfig{QueueSize: 4})
	_ = m.HandleInbound(context.Background(), inbound("queued"))

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if err := m.HandleInbound(context.Background(), inbound("late")); !errors.Is(err, ErrManagerStopped) {
		t.Fatalf("expected ErrManagerStopped, got %v", err)
	}
	_, released := tracker.snapshot()
	if len(released) != 2 || released[0] != "queued" || released[1] != "late" {
		t.Fatalf("unexpected released keys: %v", released)
	}
}
