package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // schedules name IANA zones; hosts may ship without zoneinfo

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/internal/util"
	"github.com/teranos/leakhunter/logger"
)

// Schedule frequencies
const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// AllConnectors targets every registered connector
const AllConnectors = "all"

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// Schedule is a wall-clock trigger: daily, weekly on a weekday, or monthly on
// a day of the month, at Time in Timezone. It complements interval cadences
// for scans that must happen at a fixed hour.
type Schedule struct {
	ID         string    `json:"id"`
	Connector  string    `json:"connector"`
	Frequency  string    `json:"frequency"`
	Time       string    `json:"time"` // HH:MM, 24h
	Timezone   string    `json:"timezone"`
	DayOfWeek  string    `json:"day_of_week,omitempty"`  // weekly: mon..sun
	DayOfMonth int       `json:"day_of_month,omitempty"` // monthly: 1..31; shorter months are skipped
	Enabled    bool      `json:"enabled"`
	NextRunAt  time.Time `json:"next_run_at,omitzero"`
	LastRunAt  time.Time `json:"last_run_at,omitzero"`
	CreatedAt  time.Time `json:"created_at"`
}

// Normalize fills defaults and validates s
func (s *Schedule) Normalize() error {
	s.Connector = strings.TrimSpace(s.Connector)
	if s.Connector == "" {
		s.Connector = AllConnectors
	}
	s.Frequency = strings.ToLower(strings.TrimSpace(s.Frequency))
	if s.Frequency == "" {
		s.Frequency = FrequencyDaily
	}
	if s.Time == "" {
		s.Time = "02:00"
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if _, _, err := s.clock(); err != nil {
		return err
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return errors.NewInvalidRequestError("timezone %q is not a known IANA zone", s.Timezone)
	}

	switch s.Frequency {
	case FrequencyDaily:
		s.DayOfWeek, s.DayOfMonth = "", 0
	case FrequencyWeekly:
		s.DayOfMonth = 0
		s.DayOfWeek = strings.ToLower(strings.TrimSpace(s.DayOfWeek))
		if s.DayOfWeek == "" {
			s.DayOfWeek = "mon"
		}
		if len(s.DayOfWeek) > 3 {
			s.DayOfWeek = s.DayOfWeek[:3]
		}
		if _, ok := weekdays[s.DayOfWeek]; !ok {
			return errors.NewInvalidRequestError("day_of_week %q is not one of mon..sun", s.DayOfWeek)
		}
	case FrequencyMonthly:
		s.DayOfWeek = ""
		if s.DayOfMonth == 0 {
			s.DayOfMonth = 1
		}
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return errors.NewInvalidRequestError("day_of_month must be in 1..31, got %d", s.DayOfMonth)
		}
	default:
		return errors.NewInvalidRequestError("frequency %q is not one of daily, weekly, monthly", s.Frequency)
	}
	return nil
}

func (s Schedule) clock() (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s.Time, "%d:%d", &hour, &minute); err != nil ||
		hour < 0 || hour > 23 || minute < 0 || minute > 59 || len(s.Time) > 5 {
		return 0, 0, errors.NewInvalidRequestError("time %q must be HH:MM", s.Time)
	}
	return hour, minute, nil
}

// Next returns the first fire time strictly after after. s must be normalized.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "schedule %s timezone", s.ID)
	}
	hour, minute, err := s.clock()
	if err != nil {
		return time.Time{}, err
	}
	local := after.In(loc)
	// a year and a bit covers the sparsest case, day 31 monthly
	for i := 0; i <= 400; i++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 0, 0, 0, 0, loc)
		switch s.Frequency {
		case FrequencyWeekly:
			if day.Weekday() != weekdays[s.DayOfWeek] {
				continue
			}
		case FrequencyMonthly:
			if day.Day() != s.DayOfMonth {
				continue
			}
		}
		at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if at.After(after) {
			return at.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("schedule %s never fires", s.ID)
}

// Triggerer starts connector runs; *Orchestrator implements it
type Triggerer interface {
	Trigger(ctx context.Context, name string, opts TriggerOptions) (TriggerResult, error)
	TriggerAll(ctx context.Context, opts TriggerOptions) ([]TriggerResult, error)
	Connectors() []string
}

var _ Triggerer = (*Orchestrator)(nil)

// CalendarConfig tunes the calendar loop
type CalendarConfig struct {
	Tick  time.Duration
	Clock util.Clock
}

// Calendar fires wall-clock schedules against the orchestrator. Fire times
// missed while the process was down are skipped, not replayed.
type Calendar struct {
	orch  Triggerer
	store ScheduleStore
	cfg   CalendarConfig
	clock util.Clock
	log   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	schedules map[string]Schedule
}

// NewCalendar returns a calendar with no schedules loaded; call Reload
func NewCalendar(orch Triggerer, store ScheduleStore, cfg CalendarConfig, log *zap.SugaredLogger) *Calendar {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if store == nil {
		store = NewMemoryScheduleStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Calendar{
		orch:      orch,
		store:     store,
		cfg:       cfg,
		clock:     cfg.Clock.OrSystem(),
		log:       logger.Or(log).Named("calendar"),
		ctx:       ctx,
		cancel:    cancel,
		schedules: make(map[string]Schedule),
	}
}

// Reload replaces the in-memory schedules with the stored ones and
// recomputes every next fire time from now
func (c *Calendar) Reload(ctx context.Context) (int, error) {
	stored, err := c.store.ListSchedules(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "reload schedules")
	}
	now := c.clock()
	loaded := make(map[string]Schedule, len(stored))
	for _, s := range stored {
		if err := s.Normalize(); err != nil {
			c.log.Warnw("Skipping invalid stored schedule", logger.FieldSchedule, s.ID, logger.FieldError, err)
			continue
		}
		s.NextRunAt = time.Time{}
		if s.Enabled {
			if s.NextRunAt, err = s.Next(now); err != nil {
				c.log.Warnw("Skipping schedule without a fire time", logger.FieldSchedule, s.ID, logger.FieldError, err)
				continue
			}
		}
		c.save(ctx, s)
		loaded[s.ID] = s
	}

	c.mu.Lock()
	c.schedules = loaded
	c.mu.Unlock()
	c.log.Infow("Schedules loaded", logger.FieldCount, len(loaded))
	return len(loaded), nil
}

// Create validates and stores s, assigning its id
func (c *Calendar) Create(ctx context.Context, s Schedule) (Schedule, error) {
	s.ID = uuid.NewString()
	s.CreatedAt = c.clock()
	s.LastRunAt = time.Time{}
	if err := c.prepare(&s); err != nil {
		return Schedule{}, err
	}
	if err := c.store.CreateSchedule(ctx, s); err != nil {
		return Schedule{}, err
	}
	c.mu.Lock()
	c.schedules[s.ID] = s
	c.mu.Unlock()
	c.log.Infow("Schedule created",
		logger.FieldSchedule, s.ID,
		logger.FieldConnector, s.Connector,
		"frequency", s.Frequency,
		"next_run_at", s.NextRunAt)
	return s, nil
}

// Update replaces the definition of schedule id, keeping its history
func (c *Calendar) Update(ctx context.Context, id string, s Schedule) (Schedule, error) {
	// held through the store write so a concurrent tick cannot interleave
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.schedules[id]
	if !ok {
		return Schedule{}, errors.NewNotFoundError("schedule %s not found", id)
	}
	s.ID, s.CreatedAt, s.LastRunAt = id, cur.CreatedAt, cur.LastRunAt
	if err := c.prepare(&s); err != nil {
		return Schedule{}, err
	}
	if err := c.store.UpdateSchedule(ctx, s); err != nil {
		return Schedule{}, err
	}
	c.schedules[id] = s
	c.log.Infow("Schedule updated", logger.FieldSchedule, id, "next_run_at", s.NextRunAt)
	return s, nil
}

// Delete removes schedule id
func (c *Calendar) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	delete(c.schedules, id)
	c.log.Infow("Schedule deleted", logger.FieldSchedule, id)
	return nil
}

// List returns loaded schedules, soonest first; disabled ones last
func (c *Calendar) List() []Schedule {
	c.mu.Lock()
	out := make([]Schedule, 0, len(c.schedules))
	for _, s := range c.schedules {
		out = append(out, s)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.NextRunAt.IsZero() != b.NextRunAt.IsZero() {
			return !a.NextRunAt.IsZero()
		}
		if !a.NextRunAt.Equal(b.NextRunAt) {
			return a.NextRunAt.Before(b.NextRunAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

func (c *Calendar) prepare(s *Schedule) error {
	if err := s.Normalize(); err != nil {
		return err
	}
	if s.Connector != AllConnectors && !c.known(s.Connector) {
		return errors.NewInvalidRequestError("connector %q is not registered", s.Connector)
	}
	s.NextRunAt = time.Time{}
	if s.Enabled {
		next, err := s.Next(c.clock())
		if err != nil {
			return err
		}
		s.NextRunAt = next
	}
	return nil
}

func (c *Calendar) known(name string) bool {
	for _, n := range c.orch.Connectors() {
		if n == name {
			return true
		}
	}
	return false
}

// Start begins the loop
func (c *Calendar) Start() {
	c.wg.Add(1)
	go c.loop()
	c.log.Infow("Calendar started", "tick", c.cfg.Tick)
}

// Stop ends the loop. Runs already triggered belong to the orchestrator.
func (c *Calendar) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Calendar) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick fires every enabled schedule whose next run time has passed
func (c *Calendar) tick() {
	now := c.clock()
	var due []Schedule
	c.mu.Lock()
	for id, s := range c.schedules {
		if !s.Enabled || s.NextRunAt.IsZero() || s.NextRunAt.After(now) {
			continue
		}
		s.LastRunAt = now
		next, err := s.Next(now)
		if err != nil {
			c.log.Warnw("Schedule has no further fire time", logger.FieldSchedule, id, logger.FieldError, err)
			next = time.Time{}
		}
		s.NextRunAt = next
		c.schedules[id] = s
		due = append(due, s)
		c.save(c.ctx, s)
	}
	c.mu.Unlock()

	for _, s := range due {
		c.fire(s)
	}
}

func (c *Calendar) fire(s Schedule) {
	opts := TriggerOptions{Source: TriggerSchedule}
	log := c.log.With(logger.FieldSchedule, s.ID, logger.FieldConnector, s.Connector)
	var err error
	if s.Connector == AllConnectors {
		_, err = c.orch.TriggerAll(c.ctx, opts)
	} else {
		_, err = c.orch.Trigger(c.ctx, s.Connector, opts)
	}
	if err != nil {
		log.Warnw("Scheduled trigger failed", logger.FieldError, err)
		return
	}
	log.Infow("Scheduled trigger fired", "next_run_at", s.NextRunAt)
}

// save persists fire times; a failure only costs accuracy after a restart
func (c *Calendar) save(ctx context.Context, s Schedule) {
	if err := c.store.UpdateSchedule(ctx, s); err != nil {
		c.log.Warnw("Failed to persist schedule", logger.FieldSchedule, s.ID, logger.FieldError, err)
	}
}
