package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/fetchcore/fetch/internal/logger"
	"go.uber.org/zap"
)

// Monitor polls Runtime.Ready in the background so hot paths can gate on
// a cached readiness flag instead of pinging the daemon per message.
type Monitor struct {
	rt       Runtime
	log      *logger.Logger
	interval time.Duration

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor wraps the runtime with a background readiness check.
// interval defaults to 15s.
func NewMonitor(rt Runtime, interval time.Duration, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Monitor{rt: rt, interval: interval, log: log.Named("sandbox")}
}

// Start begins the poll loop. Call Stop to shut down.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Stop halts the poll loop and waits for it to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Ready reports the last observed readiness.
func (m *Monitor) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Err returns the error from the last failed check, or nil when ready.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Check forces an immediate readiness probe and updates the cached state.
func (m *Monitor) Check(ctx context.Context) error {
	err := m.rt.Ready(ctx)

	m.mu.Lock()
	was := m.ready
	m.ready = err == nil
	m.lastErr = err
	m.lastCheck = time.Now()
	now := m.ready
	m.mu.Unlock()

	if was != now {
		if now {
			m.log.Info("sandbox became ready")
		} else {
			m.log.Warn("sandbox became unavailable", zap.Error(err))
		}
	}
	return err
}

func (m *Monitor) loop(ctx context.Context) {
	// Initial probe so Ready() is meaningful right after Start.
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
