// Package relay forwards inbound messages to the CRM recorder. Delivery is
// best-effort: one attempt, failures are logged and dropped.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/logger"
)

const (
	DefaultPath  = "/api/admin/crm/whatsapp/inbound"
	SecretHeader = "X-WhatsApp-Bridge-Secret"

	snippetLen = 300
)

type Options struct {
	BaseURL string
	Path    string
	// Secret is consulted on every relay so a secret set at runtime is
	// picked up without a restart.
	Secret  func() string
	Timeout time.Duration
	Client  *http.Client
	// MissingSecretEvery bounds how often the "secret not set" warning is
	// logged.
	MissingSecretEvery time.Duration
}

type payload struct {
	From        string  `json:"from"`
	Body        string  `json:"body"`
	Timestamp   int64   `json:"timestamp"`
	WAMessageID *string `json:"waMessageId"`
}

type Relay struct {
	url     string
	secret  func() string
	client  *http.Client
	timeout time.Duration
	warn    *rate.Limiter
	wg      sync.WaitGroup
}

func New(opts Options) *Relay {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Secret == nil {
		opts.Secret = func() string { return "" }
	}
	if opts.MissingSecretEvery <= 0 {
		opts.MissingSecretEvery = time.Minute
	}
	return &Relay{
		url:     strings.TrimRight(opts.BaseURL, "/") + opts.Path,
		secret:  opts.Secret,
		client:  opts.Client,
		timeout: opts.Timeout,
		warn:    rate.NewLimiter(rate.Every(opts.MissingSecretEvery), 1),
	}
}

// Relay posts msg in the background and returns immediately.
func (r *Relay) Relay(msg bus.InboundMessage) {
	secret := r.secret()
	if secret == "" {
		if r.warn.Allow() {
			logger.WarnCF("relay", "Bridge secret not set; inbound messages will not be saved to CRM", map[string]interface{}{
				"from": msg.From,
			})
		}
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.post(secret, msg); err != nil {
			logger.ErrorCF("relay", "Failed to post inbound message to CRM", map[string]interface{}{
				"from":  msg.From,
				"error": err.Error(),
			})
		}
	}()
}

// Wait blocks until in-flight posts finish.
func (r *Relay) Wait() { r.wg.Wait() }

func (r *Relay) post(secret string, msg bus.InboundMessage) error {
	p := payload{From: msg.From, Body: msg.Body, Timestamp: msg.Timestamp.Unix()}
	if msg.MessageID != "" {
		id := msg.MessageID
		p.WAMessageID = &id
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, secret)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLen))
		return fmt.Errorf("CRM returned %d: %s", resp.StatusCode, string(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	logger.DebugCF("relay", "Inbound message relayed", map[string]interface{}{
		"from": msg.From,
	})
	return nil
}
