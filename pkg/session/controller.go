// Package session owns the single platform client and drives it through the
// connection state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/challenge"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

var (
	ErrAlreadyInitialized = errors.New("Client already initialized")
	ErrNoClient           = errors.New("No client to disconnect")
	ErrNotAuthenticated   = errors.New("WhatsApp not authenticated")
	ErrRestartInProgress  = errors.New("restart already in progress")
	ErrClosed             = errors.New("session controller closed")
)

// Publisher receives state transitions and standalone events.
type Publisher interface {
	Transition(snap bus.Snapshot, events ...bus.Event)
	Publish(ev bus.Event)
}

// Reclaimer clears leftovers of an unclean shutdown before a launch.
type Reclaimer interface {
	Reclaim()
}

// InboundSink receives inbound messages. It must not block.
type InboundSink interface {
	Relay(msg bus.InboundMessage)
}

type Options struct {
	SettleDelay      time.Duration
	RecoveryCooldown time.Duration
	LaunchTimeout    time.Duration
	MaxQRRetries     int

	Tracker   *challenge.Tracker
	Hub       Publisher
	Reclaimer Reclaimer
	Inbound   InboundSink
	Store     repository.DiagnosticsRepository
	Now       func() time.Time
}

func (o *Options) setDefaults() {
	if o.SettleDelay <= 0 {
		o.SettleDelay = 2 * time.Second
	}
	if o.RecoveryCooldown <= 0 {
		o.RecoveryCooldown = 8 * time.Second
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = 60 * time.Second
	}
	if o.MaxQRRetries <= 0 {
		o.MaxQRRetries = 5
	}
	if o.Tracker == nil {
		o.Tracker = challenge.NewTracker(challenge.Options{})
	}
	if o.Hub == nil {
		o.Hub = bus.NewHub(0)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Status is a point-in-time view of the controller.
type Status struct {
	State             State                  `json:"state"`
	StateSince        time.Time              `json:"stateSince"`
	Authenticated     bool                   `json:"authenticated"`
	Connecting        bool                   `json:"connecting"`
	HasQR             bool                   `json:"hasQR"`
	ClientInitialized bool                   `json:"clientInitialized"`
	Restarting        bool                   `json:"restarting"`
	Generation        uint64                 `json:"generation"`
	Account           *bus.Account           `json:"account"`
	Diagnostics       repository.Diagnostics `json:"diagnostics"`
}

// Controller is the single owner of the platform client.
//
// lifecycle serializes Start, Stop and the launch half of restarts; mu guards
// the state machine and is the only lock taken on the client event path.
type Controller struct {
	factory ClientFactory
	opts    Options
	tracker *challenge.Tracker
	hub     Publisher
	journal *journal

	ctx    context.Context
	cancel context.CancelFunc

	lifecycle  sync.Mutex
	restarting atomic.Bool

	mu         sync.Mutex
	state      State
	stateSince time.Time
	client     Client
	gen        uint64 // bumped only with lifecycle held
	account    *bus.Account
	diag       repository.Diagnostics
	onReady    []func()
	closed     bool
}

func NewController(factory ClientFactory, opts Options) *Controller {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		factory:    factory,
		opts:       opts,
		tracker:    opts.Tracker,
		hub:        opts.Hub,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateUninitialized,
		stateSince: opts.Now(),
	}
	if opts.Store != nil {
		c.journal = newJournal(opts.Store)
	}
	return c
}

// Restore seeds diagnostics from storage so operator history survives a
// process restart. Missing storage or data is not an error.
func (c *Controller) Restore(ctx context.Context) error {
	if c.opts.Store == nil {
		return nil
	}
	d, err := c.opts.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load diagnostics: %w", err)
	}
	if d == nil {
		return nil
	}
	c.mu.Lock()
	c.diag = *d
	c.diag.InvalidQRCount = 0
	c.mu.Unlock()
	return nil
}

// OnAuthenticated registers fn to run (under the state lock, so it must be
// quick) whenever the session becomes ready.
func (c *Controller) OnAuthenticated(fn func()) {
	c.mu.Lock()
	c.onReady = append(c.onReady, fn)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start reclaims stale resources and launches a client. It is accepted from
// Uninitialized, Disconnected and Error.
func (c *Controller) Start() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	st, closed := c.state, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !st.startable() {
		return ErrAlreadyInitialized
	}
	return c.launchLocked("start")
}

// Stop destroys the client and moves to Disconnected. A pending recovery
// is cancelled.
func (c *Controller) Stop(reason string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.client == nil && c.state != StateRecovering {
		c.mu.Unlock()
		return ErrNoClient
	}
	old := c.client
	c.client = nil
	c.gen++
	c.account = nil
	c.tracker.Clear()
	c.diag.LastDisconnected = c.incident(reason)
	c.setStateLocked(StateDisconnected, reason)
	c.transitionLocked(bus.DisconnectedEvent(reason))
	c.mu.Unlock()

	c.destroy(old)
	logger.InfoCF("session", "Session stopped", map[string]interface{}{"reason": reason})
	return nil
}

// Restart tears the client down and relaunches it after the settle delay.
// A restart requested while another is in flight is ignored and returns
// ErrRestartInProgress.
func (c *Controller) Restart(reason string) error {
	return c.restart(reason, c.opts.SettleDelay, 0)
}

// TryRestart claims the restart slot and runs the restart in the background.
// It fails at once with ErrRestartInProgress if another restart holds it.
func (c *Controller) TryRestart(reason string) error {
	if !c.restarting.CompareAndSwap(false, true) {
		return ErrRestartInProgress
	}
	go func() {
		defer c.restarting.Store(false)
		if err := c.restartClaimed(reason, c.opts.SettleDelay, 0); err != nil {
			logger.WarnCF("session", "Restart failed", map[string]interface{}{
				"reason": reason,
				"error":  err.Error(),
			})
		}
	}()
	return nil
}

// restart runs the Recovering sequence. When onlyGen is non-zero the restart
// is skipped unless that client generation is still current.
func (c *Controller) restart(reason string, delay time.Duration, onlyGen uint64) error {
	if !c.restarting.CompareAndSwap(false, true) {
		logger.WarnCF("session", "Restart already in progress; ignoring request", map[string]interface{}{
			"reason": reason,
		})
		return ErrRestartInProgress
	}
	defer c.restarting.Store(false)
	return c.restartClaimed(reason, delay, onlyGen)
}

// restartClaimed is restart with the restarting flag already held.
func (c *Controller) restartClaimed(reason string, delay time.Duration, onlyGen uint64) error {
	c.lifecycle.Lock()
	c.mu.Lock()
	if c.closed || (onlyGen != 0 && c.gen != onlyGen) {
		c.mu.Unlock()
		c.lifecycle.Unlock()
		return nil
	}
	old := c.client
	c.client = nil
	c.gen++
	gen := c.gen
	c.account = nil
	c.tracker.Clear()
	c.diag.Restarts++
	c.setStateLocked(StateRecovering, reason)
	c.transitionLocked(bus.StatusEvent(c.snapshotLocked()))
	c.mu.Unlock()

	logger.WarnCF("session", "Restarting session", map[string]interface{}{
		"reason": reason,
		"delay":  delay.String(),
	})
	c.destroy(old)
	c.lifecycle.Unlock()

	select {
	case <-time.After(delay):
	case <-c.ctx.Done():
		return ErrClosed
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	superseded := c.gen != gen || c.closed
	c.mu.Unlock()
	if superseded {
		logger.InfoCF("session", "Restart superseded before relaunch", map[string]interface{}{"reason": reason})
		return nil
	}
	return c.launchLocked(reason)
}

// launchLocked replaces any existing client with a fresh one. The caller
// holds c.lifecycle.
func (c *Controller) launchLocked(reason string) error {
	c.mu.Lock()
	old := c.client
	c.client = nil
	c.gen++
	gen := c.gen
	c.account = nil
	c.tracker.Clear()
	c.setStateLocked(StateInitializing, reason)
	c.transitionLocked(bus.StatusEvent(c.snapshotLocked()))
	c.mu.Unlock()

	c.destroy(old)
	if c.opts.Reclaimer != nil {
		c.opts.Reclaimer.Reclaim()
	}

	logger.InfoCF("session", "Launching session client", map[string]interface{}{
		"generation": gen,
		"reason":     reason,
	})

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.LaunchTimeout)
	defer cancel()

	client, err := c.factory(ctx, c.handlerFor(gen))
	if err == nil {
		c.mu.Lock()
		c.client = client
		if l, ok := client.(Linker); ok {
			if addr := userPart(l.LinkedAccount()); addr != "" && addr != c.diag.LinkedAddress {
				c.diag.LinkedAddress = addr
				c.persistLocked(nil)
			}
		}
		c.mu.Unlock()

		if err = client.Connect(ctx); err != nil {
			c.mu.Lock()
			if c.client == client {
				c.client = nil
			}
			c.mu.Unlock()
			c.destroy(client)
		}
	}
	if err != nil {
		c.mu.Lock()
		c.diag.LastClientError = c.incident(err.Error())
		c.setStateLocked(StateError, "launch failed")
		ev := bus.ErrorEvent("Failed to initialize WhatsApp: "+err.Error(), "retry")
		ev.Critical = true
		c.transitionLocked(ev)
		c.mu.Unlock()

		logger.ErrorCF("session", "Client initialization failed", map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("failed to launch session client: %w", err)
	}
	return nil
}

func (c *Controller) destroy(client Client) {
	if client == nil {
		return
	}
	if err := client.Destroy(); err != nil {
		logger.WarnCF("session", "Error destroying client (ignored)", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Close cancels pending recoveries, destroys the client and flushes the
// diagnostics journal. The controller cannot be restarted afterwards.
func (c *Controller) Close() {
	c.cancel()

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	old := c.client
	c.client = nil
	c.gen++
	c.mu.Unlock()

	c.destroy(old)
	if c.journal != nil {
		c.journal.close()
	}
}

// ---------------------------------------------------------------------------
// Client events
// ---------------------------------------------------------------------------

func (c *Controller) handlerFor(gen uint64) EventHandler {
	return func(ev Event) { c.handle(gen, ev) }
}

func (c *Controller) handle(gen uint64, ev Event) {
	if m, ok := ev.(MessageEvent); ok {
		c.handleMessage(gen, m.Message)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.closed {
		logger.DebugCF("session", "Ignoring event from a stale client", map[string]interface{}{
			"event":      fmt.Sprintf("%T", ev),
			"generation": gen,
		})
		return
	}

	switch v := ev.(type) {
	case QREvent:
		c.handleChallengeLocked(gen, v.Code)

	case ReadyEvent:
		c.account = v.Account
		if addr := userPart(v.Account); addr != "" {
			c.diag.LinkedAddress = addr
		}
		c.tracker.Clear()
		c.tracker.Reset()
		c.diag.InvalidQRCount = 0
		c.diag.LastReadyAt = c.now()
		c.setStateLocked(StateAuthenticated, "ready")
		for _, fn := range c.onReady {
			fn()
		}
		c.transitionLocked(bus.AuthenticatedEvent("connected", "WhatsApp Web connected successfully"))
		logger.InfoC("session", "WhatsApp successfully authenticated and ready")

	case AuthFailureEvent:
		reason := v.Reason
		if reason == "" {
			reason = "Unknown reason"
		}
		c.account = nil
		c.tracker.Clear()
		c.diag.LastAuthFailure = c.incident(reason)
		c.setStateLocked(StateError, "auth failure: "+reason)
		c.transitionLocked(bus.ErrorEvent("Authentication failed: "+reason, "retry"))
		logger.ErrorCF("session", "WhatsApp authentication failed", map[string]interface{}{"reason": reason})

	case DisconnectedEvent:
		reason := v.Reason
		if reason == "" {
			reason = "Unknown"
		}
		c.account = nil
		c.tracker.Clear()
		c.diag.LastDisconnected = c.incident(reason)
		c.setStateLocked(StateDisconnected, reason)
		c.transitionLocked(bus.DisconnectedEvent(reason))
		logger.WarnCF("session", "WhatsApp disconnected", map[string]interface{}{"reason": reason})

	case FaultEvent:
		msg := "unknown client error"
		if v.Err != nil {
			msg = v.Err.Error()
		}
		c.diag.LastClientError = c.incident(msg)
		c.persistLocked(nil)
		c.hub.Publish(bus.ErrorEvent("WhatsApp client error: "+msg, ""))
		logger.ErrorCF("session", "WhatsApp client error", map[string]interface{}{"error": msg})
	}
}

func (c *Controller) handleChallengeLocked(gen uint64, code string) {
	if !c.state.acceptsChallenge() {
		logger.DebugCF("session", "Ignoring QR challenge outside of linking", map[string]interface{}{
			"state": string(c.state),
		})
		return
	}

	ch, err := c.tracker.Submit(code)
	var rejected *challenge.RejectedError
	switch {
	case errors.As(err, &rejected):
		c.diag.InvalidQRCount = rejected.Retries
		if rejected.Retries < c.opts.MaxQRRetries {
			c.persistLocked(nil)
			return
		}
		c.tracker.Reset()
		c.diag.InvalidQRCount = 0
		c.diag.ForcedRestarts++
		c.persistLocked(nil)

		ev := bus.ErrorEvent("WhatsApp Web is not responding. Clearing session and restarting...", "reset")
		c.hub.Publish(ev)
		logger.ErrorCF("session", "Max QR retries reached; starting recovery", map[string]interface{}{
			"retries":  rejected.Retries,
			"cooldown": c.opts.RecoveryCooldown.String(),
		})
		go c.restart("repeated invalid QR challenges", c.opts.RecoveryCooldown, gen)

	case err != nil:
		c.diag.LastClientError = c.incident(err.Error())
		c.persistLocked(nil)
		c.hub.Publish(bus.ErrorEvent("Failed to convert QR to image: "+err.Error(), ""))

	default:
		c.diag.QREventCount++
		c.diag.LastQRAt = c.now()
		c.diag.InvalidQRCount = 0
		c.setStateLocked(StateQRPending, "qr issued")
		c.transitionLocked(bus.QREvent(ch.DataURI, ch.IssuedAt))
	}
}

func (c *Controller) handleMessage(gen uint64, msg bus.InboundMessage) {
	c.mu.Lock()
	stale := gen != c.gen || c.closed
	c.mu.Unlock()
	if stale {
		return
	}

	logger.InfoCF("session", "Message received", map[string]interface{}{
		"from":    msg.From,
		"preview": truncate(msg.Body, 50),
	})
	c.hub.Publish(bus.MessageReceivedEvent(msg))
	if c.opts.Inbound != nil {
		c.opts.Inbound.Relay(msg)
	}
}

// ---------------------------------------------------------------------------
// State helpers (mu held)
// ---------------------------------------------------------------------------

func (c *Controller) setStateLocked(to State, reason string) {
	from := c.state
	c.state = to
	c.stateSince = c.opts.Now()
	c.persistLocked(&repository.Transition{
		From:   string(from),
		To:     string(to),
		Reason: reason,
		At:     c.stateSince,
	})
	logger.DebugCF("session", "State transition", map[string]interface{}{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

func (c *Controller) transitionLocked(events ...bus.Event) {
	c.hub.Transition(c.snapshotLocked(), events...)
}

func (c *Controller) persistLocked(t *repository.Transition) {
	c.diag.UpdatedAt = c.opts.Now()
	if c.journal == nil || c.closed {
		return
	}
	c.journal.record(journalEntry{diag: c.diag, transition: t})
}

func (c *Controller) snapshotLocked() bus.Snapshot {
	return bus.Snapshot{
		State:             string(c.state),
		Authenticated:     c.state == StateAuthenticated,
		Connecting:        c.state.Connecting(),
		HasQR:             c.tracker.Has(),
		ClientInitialized: c.client != nil,
		Account:           c.account,
	}
}

func (c *Controller) now() *time.Time {
	t := c.opts.Now()
	return &t
}

func (c *Controller) incident(reason string) *repository.Incident {
	return &repository.Incident{Reason: reason, At: c.opts.Now()}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Borrow runs fn with the live client. The client must not be retained past
// fn's return.
func (c *Controller) Borrow(fn func(Client) error) error {
	c.mu.Lock()
	if c.state != StateAuthenticated || c.client == nil {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	client := c.client
	c.mu.Unlock()
	return fn(client)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Authenticated() bool { return c.State() == StateAuthenticated }

// OwnAddress is the user part of the last linked account's address, or ""
// if no account has ever been linked. It survives disconnects and, with a
// storage backend, process restarts.
func (c *Controller) OwnAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diag.LinkedAddress
}

func userPart(acct *bus.Account) string {
	if acct == nil {
		return ""
	}
	addr := acct.Phone
	if addr == "" {
		addr = acct.WID
	}
	if i := strings.IndexAny(addr, "@:"); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snapshotLocked()
	return Status{
		State:             c.state,
		StateSince:        c.stateSince,
		Authenticated:     snap.Authenticated,
		Connecting:        snap.Connecting,
		HasQR:             snap.HasQR,
		ClientInitialized: snap.ClientInitialized,
		Restarting:        c.restarting.Load(),
		Generation:        c.gen,
		Account:           c.account,
		Diagnostics:       c.diag,
	}
}

// Challenge returns the cached QR challenge, or nil.
func (c *Controller) Challenge() *challenge.Challenge { return c.tracker.Current() }

// ChallengeSVG renders the cached challenge as SVG.
func (c *Controller) ChallengeSVG(size int) (string, error) { return c.tracker.SVG(size) }

// Stalled reports whether the session has sat in Initializing for longer
// than timeout.
func (c *Controller) Stalled(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateInitializing && c.opts.Now().Sub(c.stateSince) > timeout
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
