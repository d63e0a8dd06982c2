// Package challenge validates and renders the QR linking challenges emitted
// by the session client.
package challenge

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mdp/qrterminal/v3"

	"github.com/sipeed/wabridge/pkg/failwindow"
	"github.com/sipeed/wabridge/pkg/logger"
)

// ErrRejected is matched by every *RejectedError.
var ErrRejected = errors.New("invalid QR challenge")

// ErrNoChallenge is returned when nothing is cached.
var ErrNoChallenge = errors.New("QR not available")

// RejectedError carries the consecutive invalid-challenge count so the
// caller can apply its retry ceiling.
type RejectedError struct {
	Reason  string
	Retries int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("invalid QR challenge (%s), attempt %d", e.Reason, e.Retries)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Challenge is one accepted linking challenge with its rendered image.
type Challenge struct {
	Raw      string
	PNG      []byte
	DataURI  string
	IssuedAt time.Time
}

type Options struct {
	// Terminal, when set, receives a half-block rendering of each accepted
	// challenge (handy for headless operators tailing the service log).
	Terminal io.Writer
	Now      func() time.Time
}

type Tracker struct {
	mu       sync.Mutex
	current  *Challenge
	failures *failwindow.Window
	terminal io.Writer
	now      func() time.Time
}

func NewTracker(opts Options) *Tracker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		failures: failwindow.New(0),
		terminal: opts.Terminal,
		now:      now,
	}
}

// Submit validates raw and, when it is usable, renders it and caches the
// result as the last known good challenge. Invalid payloads bump the retry
// counter and return a *RejectedError. Rendering failures are returned as
// plain errors and do not count as retries.
func (t *Tracker) Submit(raw string) (*Challenge, error) {
	if reason := validate(raw); reason != "" {
		retries := t.failures.Record()
		logger.WarnCF("challenge", "Rejected QR challenge", map[string]interface{}{
			"reason":  reason,
			"retries": retries,
			"length":  len(raw),
		})
		return nil, &RejectedError{Reason: reason, Retries: retries}
	}

	png, err := renderPNG(raw)
	if err != nil {
		logger.ErrorCF("challenge", "QR PNG generation failed", map[string]interface{}{
			"error":  err.Error(),
			"length": len(raw),
		})
		return nil, err
	}

	ch := &Challenge{
		Raw:      raw,
		PNG:      png,
		DataURI:  pngDataURI(png),
		IssuedAt: t.now(),
	}

	t.mu.Lock()
	t.current = ch
	t.mu.Unlock()
	t.failures.Reset()

	if t.terminal != nil {
		fmt.Fprintln(t.terminal, "\n--- Scan this QR code with WhatsApp (Linked Devices) ---")
		qrterminal.GenerateHalfBlock(raw, qrterminal.L, t.terminal)
		fmt.Fprintln(t.terminal, "--- Waiting for scan... ---")
	}

	logger.InfoCF("challenge", "QR challenge accepted", map[string]interface{}{
		"length":    len(raw),
		"png_bytes": len(png),
	})
	return ch.clone(), nil
}

func validate(raw string) string {
	switch {
	case raw == "":
		return "empty"
	case strings.TrimSpace(raw) == "":
		return "whitespace only"
	case !utf8.ValidString(raw):
		return "not a valid string"
	}
	return ""
}

// Current returns a copy of the cached challenge, or nil.
func (t *Tracker) Current() *Challenge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.clone()
}

// Has reports whether a challenge is cached.
func (t *Tracker) Has() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// SVG renders the cached challenge as an SVG document of the given pixel size.
func (t *Tracker) SVG(size int) (string, error) {
	cur := t.Current()
	if cur == nil {
		return "", ErrNoChallenge
	}
	return renderSVG(cur.Raw, size)
}

// Clear drops the cached challenge.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.current = nil
	t.mu.Unlock()
}

// Reset zeroes the invalid-challenge counter.
func (t *Tracker) Reset() { t.failures.Reset() }

// Retries is the current consecutive invalid-challenge count.
func (t *Tracker) Retries() int { return t.failures.Count() }

func (c *Challenge) clone() *Challenge {
	if c == nil {
		return nil
	}
	cp := *c
	cp.PNG = append([]byte(nil), c.PNG...)
	return &cp
}
