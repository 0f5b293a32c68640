package broker

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/pkg/protocol"
)

// Janitor runs periodic broker hygiene: a failsafe sweep for gates whose
// timers never fired, and termination of sessions abandoned beyond the
// grace window.
type Janitor struct {
	sessions *session.Registry
	router   *Router
	grace    time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewJanitor builds the janitor. A zero grace window disables session
// reaping.
func NewJanitor(sessions *session.Registry, router *Router, grace time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		sessions: sessions,
		router:   router,
		grace:    grace,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start schedules the sweeps.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@every 30s", j.sweep); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) sweep() {
	now := time.Now().UTC()

	for _, g := range j.router.Gates().SweepExpired(now) {
		j.logger.Warn("gate expired without timer firing",
			"session", g.Request.SessionID, "gate", g.Request.GateID)
		j.router.TimeoutGate(g)
	}

	if j.grace <= 0 {
		return
	}
	for _, s := range j.sessions.List() {
		emptySince := s.EmptySince()
		if emptySince.IsZero() || now.Sub(emptySince) < j.grace {
			continue
		}
		j.logger.Info("reaping abandoned session",
			"session", s.ID, "empty_since", emptySince)
		end := protocol.New(protocol.TypeSessionEnd, s.ID, protocol.SenderSystem,
			&protocol.SessionEndPayload{
				Reason:     "grace window elapsed",
				FinalState: protocol.FinalAborted,
			})
		j.router.Inject(end)
	}
}
