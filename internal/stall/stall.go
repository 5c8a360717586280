// Package stall reports assistant replies that stopped updating while
// still marked as streaming.
package stall

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/chatline/internal/models"
)

// Default configuration values for Sweeper.
const (
	DefaultTimeout  = 5 * time.Minute
	DefaultSchedule = "*/5 * * * *"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Lister is the store query the sweeper runs.
type Lister interface {
	StalledStreaming(ctx context.Context, cutoff time.Time) ([]models.Message, error)
}

// Sweeper finds stalled replies. It only reports them; the assembler that
// owns a message remains its only writer.
type Sweeper struct {
	store   Lister
	timeout time.Duration
	now     func() time.Time
	report  func(models.Message, time.Duration)
}

// Opts holds parameters for creating a Sweeper.
type Opts struct {
	Store   Lister
	Timeout time.Duration // defaults to DefaultTimeout

	// Now overrides the clock in tests.
	Now func() time.Time

	// Report is called for each stalled message. Nil logs it.
	Report func(m models.Message, idle time.Duration)
}

// New creates a Sweeper.
func New(opts Opts) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("stall: store is required")
	}
	s := &Sweeper{store: opts.Store, timeout: opts.Timeout, now: opts.Now, report: opts.Report}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.report == nil {
		s.report = logStalled
	}
	return s, nil
}

func logStalled(m models.Message, idle time.Duration) {
	log.Printf("stall: message %s in %s streaming with no update for %s [chars=%d]",
		m.ID, m.ConversationID, idle.Round(time.Second), len(m.Content))
}

// Sweep reports every streaming message idle for longer than the timeout
// and returns them.
func (s *Sweeper) Sweep(ctx context.Context) ([]models.Message, error) {
	now := s.now()
	msgs, err := s.store.StalledStreaming(ctx, now.Add(-s.timeout))
	if err != nil {
		return nil, fmt.Errorf("stall: sweep: %w", err)
	}
	for _, m := range msgs {
		s.report(m, now.Sub(m.UpdatedAt))
	}
	return msgs, nil
}

// Schedule runs Sweep on a 5-field cron expression until ctx is done.
// The returned channel closes once the scheduler has stopped.
func (s *Sweeper) Schedule(ctx context.Context, expr string) (<-chan struct{}, error) {
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("stall: parse schedule %q: %w", expr, err)
	}

	c := cron.New(cron.WithParser(cronParser))
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil {
			log.Printf("stall: %v", err)
		}
	}))
	c.Start()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		close(done)
	}()
	return done, nil
}

// Next returns when a schedule fires next after t.
func Next(expr string, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("stall: parse schedule %q: %w", expr, err)
	}
	return sched.Next(t), nil
}
