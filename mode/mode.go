// Package mode implements the operational mode state machine.
//
// The orchestrator is always in exactly one mode: LISTENING (idle,
// accepts anything), WORKING (a task is active), WAITING (a question or
// approval is pending), GUARDING (a dangerous proposal needs yes/no) or
// RESTING (no recent activity). Transitions are validated against a
// fixed table, persisted, and announced on the event bus.
package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/internal/metrics"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned when the requested mode change is not
// in the transition table.
var ErrInvalidTransition = errors.New("invalid mode transition")

// transitions lists the allowed target modes for each mode.
var transitions = map[model.Mode][]model.Mode{
	model.ModeListening: {model.ModeWorking, model.ModeWaiting, model.ModeGuarding, model.ModeResting},
	model.ModeWorking:   {model.ModeListening, model.ModeWaiting, model.ModeGuarding},
	model.ModeWaiting:   {model.ModeListening, model.ModeWorking, model.ModeGuarding},
	model.ModeGuarding:  {model.ModeListening, model.ModeWorking},
	model.ModeResting:   {model.ModeListening},
}

// DefaultIdleAfter is how long without input before RESTING.
const DefaultIdleAfter = 30 * time.Minute

// Manager owns the mode state machine.
type Manager struct {
	mu        sync.Mutex
	state     model.ModeState
	lastInput time.Time

	store     store.Modes
	bus       eventbus.Bus
	log       *logger.Logger
	idleAfter time.Duration
	now       func() time.Time
}

// New loads the persisted mode state (or starts LISTENING). A persisted
// busy mode always normalizes back to LISTENING: whatever the previous
// process was doing died with it.
func New(st store.Modes, bus eventbus.Bus, log *logger.Logger, idleAfter time.Duration) (*Manager, error) {
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	m := &Manager{
		store:     st,
		bus:       bus,
		log:       log.Named("mode"),
		idleAfter: idleAfter,
		now:       time.Now,
	}

	loaded, err := st.GetModeState()
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.state = model.ModeState{Mode: model.ModeListening, Since: m.now().UTC()}
		if err := st.SetModeState(&m.state); err != nil {
			return nil, fmt.Errorf("persisting initial mode: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("loading mode state: %w", err)
	default:
		m.state = *loaded
		if m.state.Mode != model.ModeListening {
			m.log.Info("normalizing mode after restart",
				zap.String("was", string(m.state.Mode)))
			m.state.Previous = m.state.Mode
			m.state.Mode = model.ModeListening
			m.state.Since = m.now().UTC()
			m.state.TransitionCount++
			if err := st.SetModeState(&m.state); err != nil {
				return nil, fmt.Errorf("persisting normalized mode: %w", err)
			}
		}
	}

	m.lastInput = m.now()
	metrics.SetMode(string(m.state.Mode))
	return m, nil
}

// Current returns the current mode.
func (m *Manager) Current() model.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Mode
}

// State returns a copy of the full mode state.
func (m *Manager) State() model.ModeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Glyph returns the emoji for the current mode.
func (m *Manager) Glyph() string {
	return m.Current().Glyph()
}

// Prefix prepends the mode glyph to an outgoing chat line.
func (m *Manager) Prefix(text string) string {
	return m.Glyph() + " " + text
}

// To transitions to the target mode. Same-mode requests are a no-op;
// anything outside the table is rejected.
func (m *Manager) To(target model.Mode, reason string) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTransition, target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state.Mode
	if from == target {
		return nil
	}
	if !allowed(from, target) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, target)
	}

	m.state.Previous = from
	m.state.Mode = target
	m.state.Since = m.now().UTC()
	m.state.TransitionCount++
	if err := m.store.SetModeState(&m.state); err != nil {
		// Roll back in memory so state and store stay aligned.
		m.state.Mode = from
		m.state.Previous = ""
		m.state.TransitionCount--
		return fmt.Errorf("persisting mode: %w", err)
	}

	m.log.Info("mode changed",
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("reason", reason))
	metrics.SetMode(string(target))
	m.bus.Publish(eventbus.TopicMode, model.Event{
		Type: "mode:changed",
		Data: fmt.Sprintf("%s→%s %s", from, target, reason),
		At:   m.now().UTC(),
	})
	return nil
}

// Touch records user activity and wakes the machine from RESTING.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.lastInput = m.now()
	resting := m.state.Mode == model.ModeResting
	m.mu.Unlock()

	if resting {
		_ = m.To(model.ModeListening, "input received")
	}
}

// Run drives the idle timer until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.idleAfter / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkIdle()
		}
	}
}

// checkIdle moves LISTENING to RESTING once the idle window passes.
// Busy modes are never put to sleep.
func (m *Manager) checkIdle() {
	m.mu.Lock()
	idle := m.now().Sub(m.lastInput) >= m.idleAfter
	listening := m.state.Mode == model.ModeListening
	m.mu.Unlock()

	if idle && listening {
		_ = m.To(model.ModeResting, "no recent activity")
	}
}

func allowed(from, to model.Mode) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
