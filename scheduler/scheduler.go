// Package scheduler delivers one-shot reminders and recurring cron
// entries into the owner's chat. Entries are durable: rows live in the
// schedules table and are re-armed on start, with past-due reminders
// fired once instead of dropped.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fetchcore/fetch/eventbus"
	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/model"
	"github.com/fetchcore/fetch/store"
)

// taskVerbs marks reminder text that reads like an instruction; such
// text is offered to the message pipeline instead of being echoed.
var taskVerbs = map[string]bool{
	"build": true, "fix": true, "run": true, "test": true,
	"deploy": true, "refactor": true, "update": true, "upgrade": true,
	"check": true, "clean": true, "rebase": true, "merge": true,
}

// Deps wires storage and delivery. Send pushes one chat line to the
// user; Route, when set, feeds instruction-like reminder text through
// the normal message pipeline after the ⏰ line is sent.
type Deps struct {
	Store store.Schedules
	Send  func(userID, text string)
	Route func(userID, text string) error
	Bus   eventbus.Bus
	Log   *logger.Logger
}

// Scheduler owns the cron runner and the in-memory timers for one-shot
// reminders.
type Scheduler struct {
	deps Deps
	log  *logger.Logger
	cron *cron.Cron

	mu      sync.Mutex
	timers  map[int64]*time.Timer
	entries map[int64]cron.EntryID
	closed  bool
}

// New builds a Scheduler. Store and Send are required.
func New(deps Deps) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, errors.New("scheduler: store required")
	}
	if deps.Send == nil {
		return nil, errors.New("scheduler: send func required")
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	return &Scheduler{
		deps:    deps,
		log:     deps.Log.Named("scheduler"),
		cron:    cron.New(),
		timers:  make(map[int64]*time.Timer),
		entries: make(map[int64]cron.EntryID),
	}, nil
}

// Start reloads durable schedules and begins firing. Reminders whose
// time passed while the process was down fire immediately, once.
func (s *Scheduler) Start() error {
	rows, err := s.deps.Store.ListAllSchedules()
	if err != nil {
		return fmt.Errorf("scheduler: reload: %w", err)
	}
	now := time.Now()
	for _, row := range rows {
		sch := *row
		switch {
		case sch.Recurring():
			if err := s.armCron(sch); err != nil {
				s.log.Warn("skipping unparseable cron row",
					zap.Int64("id", sch.ID), zap.String("spec", sch.Spec), zap.Error(err))
			}
		case !sch.At.After(now):
			s.log.Info("firing past-due reminder", zap.Int64("id", sch.ID))
			go s.fireOnce(sch)
		default:
			s.armTimer(sch)
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("entries", len(rows)))
	return nil
}

// Stop halts the cron runner and every armed timer. Jobs already
// running finish first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Remind stores a one-shot reminder and arms its timer. A time in the
// past fires right away.
func (s *Scheduler) Remind(userID string, at time.Time, text string) (*model.Schedule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("scheduler: empty reminder text")
	}
	sch := &model.Schedule{
		UserID:    userID,
		At:        at.UTC(),
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Store.AddSchedule(sch); err != nil {
		return nil, fmt.Errorf("scheduler: persist reminder: %w", err)
	}
	s.armTimer(*sch)
	s.emit("schedule:added", sch)
	return sch, nil
}

// Schedule stores a recurring cron entry (standard 5-field spec) and
// registers it with the runner.
func (s *Scheduler) Schedule(userID, spec, text string) (*model.Schedule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("scheduler: empty schedule text")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("scheduler: invalid cron spec %q: %w", spec, err)
	}
	sch := &model.Schedule{
		UserID:    userID,
		Spec:      spec,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Store.AddSchedule(sch); err != nil {
		return nil, fmt.Errorf("scheduler: persist schedule: %w", err)
	}
	if err := s.armCron(*sch); err != nil {
		// Parsed a moment ago; failure here means the runner is gone.
		return nil, err
	}
	s.emit("schedule:added", sch)
	return sch, nil
}

// List returns the user's schedules, reminders and cron entries alike.
func (s *Scheduler) List(userID string) ([]*model.Schedule, error) {
	return s.deps.Store.ListSchedules(userID)
}

// Remove deletes a schedule and disarms it.
func (s *Scheduler) Remove(userID string, id int64) error {
	if err := s.deps.Store.DeleteSchedule(userID, id); err != nil {
		return err
	}
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.emit("schedule:removed", &model.Schedule{ID: id, UserID: userID})
	return nil
}

func (s *Scheduler) armTimer(sch model.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	wait := time.Until(sch.At)
	if wait < 0 {
		wait = 0
	}
	s.timers[sch.ID] = time.AfterFunc(wait, func() {
		s.mu.Lock()
		delete(s.timers, sch.ID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.fireOnce(sch)
	})
}

func (s *Scheduler) armCron(sch model.Schedule) error {
	entryID, err := s.cron.AddFunc(sch.Spec, func() { s.deliver(sch) })
	if err != nil {
		return fmt.Errorf("scheduler: arm cron %d: %w", sch.ID, err)
	}
	s.mu.Lock()
	s.entries[sch.ID] = entryID
	s.mu.Unlock()
	return nil
}

// fireOnce delivers a one-shot reminder and retires its row. Delivery
// comes first: a crash in between re-fires on restart rather than
// losing the reminder.
func (s *Scheduler) fireOnce(sch model.Schedule) {
	s.deliver(sch)
	if err := s.deps.Store.DeleteSchedule(sch.UserID, sch.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("reminder row not retired", zap.Int64("id", sch.ID), zap.Error(err))
	}
}

func (s *Scheduler) deliver(sch model.Schedule) {
	s.deps.Send(sch.UserID, "⏰ "+sch.Text)
	s.emit("schedule:fired", &sch)
	if s.deps.Route != nil && instructionLike(sch.Text) {
		if err := s.deps.Route(sch.UserID, sch.Text); err != nil {
			s.log.Warn("scheduled text not routed", zap.Int64("id", sch.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) emit(typ string, sch *model.Schedule) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.TopicSchedule, model.Event{
		Type: typ,
		Data: map[string]any{"id": sch.ID, "user": sch.UserID, "text": model.Truncate(sch.Text, 120)},
		At:   time.Now(),
	})
}

func instructionLike(text string) bool {
	fields := strings.Fields(strings.ToLower(text))
	return len(fields) > 1 && taskVerbs[fields[0]]
}
