package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// monitor adapts a running session: it widens the pool and sheds optional
// work once the session runs past its estimate, and sheds optional work
// when the budget warning fires. Each reaction happens at most once.
type monitor struct {
	sched    *scheduler.Scheduler
	sess     *scheduler.Session
	bus      *events.EventBus
	sub      <-chan events.Event
	slippage float64
	interval time.Duration
	logger   *slog.Logger

	escalated bool
	shed      bool
}

// newMonitor subscribes before the run starts so no budget event is missed.
func newMonitor(sched *scheduler.Scheduler, sess *scheduler.Session, bus *events.EventBus, slippage float64, interval time.Duration, logger *slog.Logger) *monitor {
	return &monitor{
		sched:    sched,
		sess:     sess,
		bus:      bus,
		sub:      bus.Subscribe(events.TopicSession, 64),
		slippage: slippage,
		interval: interval,
		logger:   logger.With("session_id", sess.ID),
	}
}

func (m *monitor) close() {
	m.bus.Unsubscribe(m.sub)
}

// watch returns when the scheduler finishes or ctx is done. It never fails
// the group.
func (m *monitor) watch(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.sched.Done():
			return nil
		case now := <-ticker.C:
			m.checkSlippage(now.Sub(started))
		case ev, ok := <-m.sub:
			if !ok {
				m.sub = nil
				continue
			}
			if b, isBudget := ev.(events.BudgetEvent); isBudget && b.SessionID == m.sess.ID && !b.Exceeded {
				m.logger.Warn("token budget warning; shedding optional work", "used", b.Used, "budget", b.Budget)
				m.shedOptional()
			}
		}
	}
}

func (m *monitor) checkSlippage(elapsed time.Duration) {
	estimate := m.sess.EstimatedDuration
	if m.escalated || estimate <= 0 {
		return
	}
	if float64(elapsed) <= float64(estimate)*m.slippage {
		return
	}
	m.escalated = true

	m.logger.Warn("session behind schedule",
		"elapsed", elapsed.Round(time.Second),
		"estimate", estimate,
		"progress", m.sess.Progress())

	// The scheduler clamps to its ceiling
	if err := m.sched.SetConcurrency(math.MaxInt32); err != nil && !errors.Is(err, scheduler.ErrSchedulerStopped) {
		m.logger.Error("cannot widen worker pool", "error", err)
	}
	m.shedOptional()
}

func (m *monitor) shedOptional() {
	if m.shed {
		return
	}
	m.shed = true
	ids, err := m.sched.ShedOptional()
	if err != nil {
		if !errors.Is(err, scheduler.ErrSchedulerStopped) {
			m.logger.Error("cannot shed optional work", "error", err)
		}
		return
	}
	if len(ids) > 0 {
		m.logger.Info("optional work shed", "tasks", ids)
	}
}
