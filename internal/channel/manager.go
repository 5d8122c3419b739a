package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrQueueFull is returned by HandleInbound when the worker queue has no room.
	ErrQueueFull = errors.New("inbound queue is full")
	// ErrManagerStopped is returned by HandleInbound after Shutdown.
	ErrManagerStopped = errors.New("channel manager stopped")
)

const (
	defaultInboundQueueSize = 256
	defaultInboundWorkers   = 4
)

// InboundProcessor handles one queued delivery.
type InboundProcessor interface {
	ProcessInbound(ctx context.Context, msg InboundMessage) error
}

// DeliveryTracker is told how each queued delivery ended so that failed
// deliveries can be processed again when the platform redelivers them.
type DeliveryTracker interface {
	Complete(key string)
	Release(key string)
}

// ManagerConfig sizes the inbound worker pool.
type ManagerConfig struct {
	QueueSize int
	Workers   int
}

type inboundTask struct {
	msg InboundMessage
}

// Manager runs the bounded inbound worker pool. Webhook handlers enqueue
// through HandleInbound and return immediately; workers call the processor
// and report the outcome to the tracker.
type Manager struct {
	processor InboundProcessor
	tracker   DeliveryTracker
	logger    *slog.Logger

	inboundQueue   chan inboundTask
	inboundWorkers int
	inboundOnce    sync.Once
	inboundCancel  context.CancelFunc
	wg             sync.WaitGroup
	mu             sync.RWMutex
	stopped        bool
}

// NewManager creates a Manager. tracker may be nil.
func NewManager(log *slog.Logger, processor InboundProcessor, tracker DeliveryTracker, cfg ManagerConfig) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultInboundQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultInboundWorkers
	}
	return &Manager{
		processor:      processor,
		tracker:        tracker,
		logger:         log.With(slog.String("component", "channel")),
		inboundQueue:   make(chan inboundTask, cfg.QueueSize),
		inboundWorkers: cfg.Workers,
	}
}

// HandleInbound enqueues msg for background processing. It never blocks.
func (m *Manager) HandleInbound(_ context.Context, msg InboundMessage) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		m.release(msg.DedupKey)
		return ErrManagerStopped
	}
	select {
	case m.inboundQueue <- inboundTask{msg: msg}:
		return nil
	default:
		m.logger.Warn("inbound queue full, dropping delivery",
			slog.String("channel", msg.Channel.String()),
			slog.String("dedup_key", msg.DedupKey),
		)
		m.release(msg.DedupKey)
		return ErrQueueFull
	}
}

// Start launches the worker pool. Calling Start more than once has no effect.
func (m *Manager) Start(ctx context.Context) {
	m.inboundOnce.Do(func() {
		workerCtx, cancel := context.WithCancel(ctx)
		m.inboundCancel = cancel
		m.logger.Info("manager start", slog.Int("workers", m.inboundWorkers), slog.Int("queue_size", cap(m.inboundQueue)))
		for i := 0; i < m.inboundWorkers; i++ {
			m.wg.Add(1)
			go m.runWorker(workerCtx)
		}
	})
}

// Shutdown stops accepting deliveries, cancels the workers and waits for
// them until ctx expires. Deliveries still queued are released.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	if m.inboundCancel != nil {
		m.inboundCancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		select {
		case task := <-m.inboundQueue:
			m.release(task.msg.DedupKey)
		default:
			m.logger.Info("manager stop")
			return nil
		}
	}
}

func (m *Manager) runWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-m.inboundQueue:
			m.process(ctx, task)
		}
	}
}

func (m *Manager) process(ctx context.Context, task inboundTask) {
	if err := m.safeProcess(ctx, task.msg); err != nil {
		m.logger.Error("inbound processing failed",
			slog.String("channel", task.msg.Channel.String()),
			slog.String("from_user", task.msg.Message.FromUser),
			slog.String("msg_type", string(task.msg.Message.Type)),
			slog.Any("error", err),
		)
		m.release(task.msg.DedupKey)
		return
	}
	if m.tracker != nil && task.msg.DedupKey != "" {
		m.tracker.Complete(task.msg.DedupKey)
	}
}

func (m *Manager) safeProcess(ctx context.Context, msg InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inbound processor panic: %v", r)
		}
	}()
	if m.processor == nil {
		return errors.New("inbound processor not configured")
	}
	return m.processor.ProcessInbound(ctx, msg)
}

func (m *Manager) release(key string) {
	if m.tracker != nil && key != "" {
		m.tracker.Release(key)
	}
}
