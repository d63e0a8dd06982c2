package repository

import (
	"context"
	"time"
)

// Incident is a timestamped reason, e.g. the last auth failure.
type Incident struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Diagnostics are the operator-facing counters of the session. They survive
// client restarts and, when a storage backend is configured, process restarts.
type Diagnostics struct {
	QREventCount     int        `json:"qrEventCount"`
	LastQRAt         *time.Time `json:"lastQrAt"`
	LastReadyAt      *time.Time `json:"lastReadyAt"`
	LastAuthFailure  *Incident  `json:"lastAuthFailure"`
	LastDisconnected *Incident  `json:"lastDisconnected"`
	LastClientError  *Incident  `json:"lastClientError"`
	InvalidQRCount   int        `json:"invalidQrCount"`
	Restarts         int        `json:"restarts"`
	ForcedRestarts   int        `json:"forcedRestarts"`
	// LinkedAddress is the user part of the last linked account, kept so
	// self-sends can be refused before the session reconnects.
	LinkedAddress    string     `json:"linkedAddress,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Transition is one journaled state change.
type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// DiagnosticsRepository persists diagnostics and the transition journal.
type DiagnosticsRepository interface {
	// Load returns the last saved diagnostics, or nil if nothing was saved yet.
	Load(ctx context.Context) (*Diagnostics, error)

	// Save replaces the stored diagnostics.
	Save(ctx context.Context, d Diagnostics) error

	// AppendTransition adds one entry to the journal.
	AppendTransition(ctx context.Context, t Transition) error

	// RecentTransitions returns up to limit entries, newest first.
	RecentTransitions(ctx context.Context, limit int) ([]Transition, error)
}
