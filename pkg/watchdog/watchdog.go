// Package watchdog restarts a session that has been initializing for too
// long without producing a QR challenge or a ready signal.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/wabridge/pkg/logger"
)

const stallReason = "initialization stalled"

// Session is what the watchdog observes and acts on.
type Session interface {
	Stalled(timeout time.Duration) bool
	Restart(reason string) error
}

type Options struct {
	// Schedule is a cron expression. Empty disables the watchdog.
	Schedule    string
	InitTimeout time.Duration
	Now         func() time.Time
}

type Watchdog struct {
	sess Session
	opts Options
}

func New(sess Session, opts Options) (*Watchdog, error) {
	if opts.Schedule != "" && !gronx.New().IsValid(opts.Schedule) {
		return nil, fmt.Errorf("invalid watchdog schedule %q", opts.Schedule)
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 180 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watchdog{sess: sess, opts: opts}, nil
}

// Enabled reports whether a schedule is configured.
func (w *Watchdog) Enabled() bool { return w.opts.Schedule != "" }

// Run checks the session on every scheduled tick until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	if !w.Enabled() {
		logger.InfoC("watchdog", "Watchdog disabled")
		return
	}
	logger.InfoCF("watchdog", "Watchdog started", map[string]interface{}{
		"schedule":     w.opts.Schedule,
		"init_timeout": w.opts.InitTimeout.String(),
	})

	for {
		next, err := gronx.NextTickAfter(w.opts.Schedule, w.opts.Now(), false)
		if err != nil {
			logger.ErrorCF("watchdog", "Cannot compute next tick; watchdog stopped", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		w.Check()
	}
}

// Check restarts the session if it is stalled. It reports whether a restart
// was requested.
func (w *Watchdog) Check() bool {
	if !w.sess.Stalled(w.opts.InitTimeout) {
		return false
	}
	logger.WarnCF("watchdog", "Session stuck initializing; restarting", map[string]interface{}{
		"timeout": w.opts.InitTimeout.String(),
	})
	if err := w.sess.Restart(stallReason); err != nil {
		logger.WarnCF("watchdog", "Restart not performed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return true
}
