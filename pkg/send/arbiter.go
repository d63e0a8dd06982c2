// Package send serializes outbound messages through the single session.
package send

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/wabridge/pkg/failwindow"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/session"
)

const escalationReason = "repeated transient send failures"

// Session is the part of the session controller the arbiter needs.
type Session interface {
	Authenticated() bool
	OwnAddress() string
	Borrow(fn func(session.Client) error) error
	Restart(reason string) error
}

type Options struct {
	Timeout             time.Duration
	Backoff             time.Duration
	EscalationWindow    time.Duration
	EscalationThreshold int
	Now                 func() time.Time
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.EscalationWindow <= 0 {
		o.EscalationWindow = 60 * time.Second
	}
	if o.EscalationThreshold <= 0 {
		o.EscalationThreshold = 2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Request is the send currently being attempted.
type Request struct {
	Recipient string    `json:"recipient"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"startedAt"`
}

// Ack acknowledges a delivered message.
type Ack struct {
	MessageID string    `json:"messageId,omitempty"`
	Recipient string    `json:"recipient"`
	Attempts  int       `json:"attempts"`
	SentAt    time.Time `json:"sentAt"`
}

type Arbiter struct {
	sess   Session
	opts   Options
	window *failwindow.Window

	mu     sync.Mutex
	active *Request
}

func NewArbiter(sess Session, opts Options) *Arbiter {
	opts.setDefaults()
	return &Arbiter{
		sess:   sess,
		opts:   opts,
		window: failwindow.New(opts.EscalationWindow).WithClock(opts.Now),
	}
}

// Send delivers body to phone. Only one Send runs at a time; a concurrent
// call fails immediately with KindInProgress.
func (a *Arbiter) Send(ctx context.Context, phone, body string) (*Ack, error) {
	if strings.TrimSpace(phone) == "" || strings.TrimSpace(body) == "" {
		return nil, failure(KindInvalidInput, ErrMissingFields)
	}
	to, err := NormalizeRecipient(phone)
	if err != nil {
		return nil, failure(KindInvalidInput, err)
	}
	if own := a.sess.OwnAddress(); own != "" && userPart(to) == own {
		return nil, failure(KindInvalidInput, ErrSelfSend)
	}
	if !a.sess.Authenticated() {
		return nil, failure(KindNotAuthenticated, session.ErrNotAuthenticated)
	}

	req, ok := a.acquire(to)
	if !ok {
		logger.WarnCF("send", "Send rejected, another send in flight", map[string]interface{}{
			"recipient": to,
		})
		return nil, failure(KindInProgress, ErrInProgress)
	}
	defer a.release()

	return a.run(ctx, req, body)
}

func (a *Arbiter) run(ctx context.Context, req *Request, body string) (*Ack, error) {
	for {
		attempts := a.bump(req)
		id, err := a.attempt(ctx, req.Recipient, body)
		if err == nil {
			a.window.Reset()
			logger.InfoCF("send", "Message sent", map[string]interface{}{
				"recipient": req.Recipient,
				"attempts":  attempts,
			})
			return &Ack{MessageID: id, Recipient: req.Recipient, Attempts: attempts, SentAt: a.opts.Now()}, nil
		}

		switch {
		case errors.Is(err, ErrAttemptTimeout):
			logger.WarnCF("send", "Send attempt timed out", map[string]interface{}{
				"recipient": req.Recipient,
				"timeout":   a.opts.Timeout.String(),
			})
			return nil, failure(KindTimeout, err)
		case errors.Is(err, session.ErrNotAuthenticated):
			return nil, failure(KindNotAuthenticated, err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, failure(KindFatal, err)
		case !IsTransient(err):
			logger.ErrorCF("send", "Send failed", map[string]interface{}{
				"recipient": req.Recipient,
				"error":     err.Error(),
			})
			return nil, failure(KindFatal, err)
		}

		escalated := a.recordTransient(err)
		// No local retry once escalated: the restart is already tearing the
		// client down, so a second attempt could only fail as not
		// authenticated and hide the transient cause from the caller.
		if escalated || attempts >= 2 {
			return nil, failure(KindTransient, err)
		}

		logger.WarnCF("send", "Transient send failure, retrying once", map[string]interface{}{
			"recipient": req.Recipient,
			"error":     err.Error(),
			"backoff":   a.opts.Backoff.String(),
		})
		select {
		case <-time.After(a.opts.Backoff):
		case <-ctx.Done():
			return nil, failure(KindTransient, err)
		}
	}
}

// attempt borrows the client for one bounded send.
func (a *Arbiter) attempt(ctx context.Context, to, body string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		var id string
		err := a.sess.Borrow(func(c session.Client) error {
			var err error
			id, err = c.SendText(ctx, to, body)
			return err
		})
		done <- result{id: id, err: err}
	}()

	var r result
	select {
	case r = <-done:
		if r.err == nil {
			return r.id, nil
		}
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w after %s", ErrAttemptTimeout, a.opts.Timeout)
	}
	return "", r.err
}

// recordTransient counts a transient failure and, when the threshold is hit
// inside the window, fires one asynchronous restart.
func (a *Arbiter) recordTransient(err error) bool {
	n := a.window.Record()
	if n < a.opts.EscalationThreshold {
		return false
	}
	a.window.Reset()
	logger.ErrorCF("send", "Repeated transient send failures, restarting session", map[string]interface{}{
		"failures": n,
		"window":   a.opts.EscalationWindow.String(),
		"error":    err.Error(),
	})
	go func() {
		if err := a.sess.Restart(escalationReason); err != nil {
			logger.WarnCF("send", "Escalation restart not performed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return true
}

func (a *Arbiter) acquire(to string) (*Request, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != nil {
		return nil, false
	}
	a.active = &Request{Recipient: to, StartedAt: a.opts.Now()}
	return a.active, true
}

func (a *Arbiter) release() {
	a.mu.Lock()
	a.active = nil
	a.mu.Unlock()
}

func (a *Arbiter) bump(req *Request) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	req.Attempts++
	return req.Attempts
}

// InFlight returns a copy of the active request, or nil.
func (a *Arbiter) InFlight() *Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return nil
	}
	cp := *a.active
	return &cp
}

// FailureCount is the number of transient failures in the current window.
func (a *Arbiter) FailureCount() int { return a.window.Count() }

// OnSessionReady clears the failure window. Registered with the controller
// so a fresh session starts with a clean slate.
func (a *Arbiter) OnSessionReady() { a.window.Reset() }
