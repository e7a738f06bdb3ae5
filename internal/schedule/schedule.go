// Package schedule fires recurring browser delegations from cron
// expressions stored in SQLite.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/neboloop/conductor/internal/browser"
	"github.com/neboloop/conductor/internal/db"
	"github.com/neboloop/conductor/internal/logging"
)

// fireTimeout bounds one firing: the delegation start command, not the
// run itself.
const fireTimeout = time.Minute

var exprParser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateExpr checks a six-field cron expression (with seconds).
func ValidateExpr(expr string) error {
	_, err := exprParser.Parse(expr)
	return err
}

// Delegator starts a browser run for a goal.
type Delegator interface {
	Delegate(ctx context.Context, goal string, source browser.Source) (*browser.Run, error)
}

// Service keeps the cron runtime in sync with the schedules table. Each
// enabled schedule fires as an external delegation; outcomes land back
// on the schedule row as run count and last error.
type Service struct {
	store     *db.Store
	delegator Delegator

	mu      sync.Mutex
	cron    *cronlib.Cron
	entries map[string]cronlib.EntryID
}

func New(store *db.Store, delegator Delegator) *Service {
	return &Service{
		store:     store,
		delegator: delegator,
		cron: cronlib.New(
			cronlib.WithSeconds(),
			cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
		),
		entries: make(map[string]cronlib.EntryID),
	}
}

// Start loads persisted schedules, registers the enabled ones, and
// starts the cron runtime.
func (s *Service) Start(ctx context.Context) error {
	scheds, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, sched := range scheds {
		if err := s.register(sched); err != nil {
			logging.Warnf("[schedule] register %s (%s): %v", sched.Name, sched.ID, err)
		}
	}
	s.cron.Start()
	logging.Infof("[schedule] started with %d schedules", len(scheds))
	return nil
}

// Close stops the runtime and waits for in-flight firings.
func (s *Service) Close() {
	<-s.cron.Stop().Done()
}

// Create validates, persists, and registers a schedule.
func (s *Service) Create(ctx context.Context, sched *db.Schedule) error {
	if strings.TrimSpace(sched.Goal) == "" {
		return errors.New("schedule goal is required")
	}
	if err := ValidateExpr(sched.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
	}
	if strings.TrimSpace(sched.Name) == "" {
		sched.Name = sched.Goal
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return err
	}
	return s.register(sched)
}

// Update rewrites the schedule and reconciles its cron entry.
func (s *Service) Update(ctx context.Context, sched *db.Schedule) error {
	if strings.TrimSpace(sched.Goal) == "" {
		return errors.New("schedule goal is required")
	}
	if err := ValidateExpr(sched.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
	}
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return err
	}
	return s.register(sched)
}

// Delete removes the cron entry and the row.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.store.DeleteSchedule(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*db.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (*db.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// Trigger fires a schedule immediately, enabled or not.
func (s *Service) Trigger(ctx context.Context, id string) error {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched == nil {
		return fmt.Errorf("schedule %s not found", id)
	}
	return s.execute(ctx, sched)
}

// NextRun reports the next firing time for a registered schedule.
func (s *Service) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(entryID).Next
	return next, !next.IsZero()
}

// register reconciles one schedule with the cron runtime: an existing
// entry is always dropped, and a fresh one is added only when enabled.
func (s *Service) register(sched *db.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[sched.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, sched.ID)
	}
	if !sched.Enabled {
		return nil
	}
	id := sched.ID
	entryID, err := s.cron.AddFunc(sched.CronExpr, func() { s.fire(id) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sched.ID, err)
	}
	s.entries[sched.ID] = entryID
	return nil
}

// fire runs on the cron goroutine. The row is re-read so edits and
// disables between firings take effect.
func (s *Service) fire(id string) {
	sched, err := s.store.GetSchedule(context.Background(), id)
	if err != nil || sched == nil || !sched.Enabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()
	if err := s.execute(ctx, sched); err != nil {
		logging.Warnf("[schedule] %s (%s): %v", sched.Name, sched.ID, err)
	}
}

func (s *Service) execute(ctx context.Context, sched *db.Schedule) error {
	var runErr string
	_, err := s.delegator.Delegate(ctx, sched.Goal, browser.SourceExternal)
	if err != nil {
		runErr = err.Error()
	} else {
		logging.Infof("[schedule] fired %s (%s)", sched.Name, sched.ID)
	}
	if markErr := s.store.MarkScheduleRun(context.Background(), sched.ID, time.Now(), runErr); markErr != nil {
		logging.Debugf("[schedule] mark run %s: %v", sched.ID, markErr)
	}
	return err
}
