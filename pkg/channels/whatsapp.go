// Package channels holds the platform client the session controller drives.
package channels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/reclaim"
	"github.com/sipeed/wabridge/pkg/session"
)

// ErrProfileInUse means another process holds the session profile lock.
var ErrProfileInUse = errors.New("whatsapp session profile is in use by another process")

type WhatsAppOptions struct {
	// StorePath is the whatsmeow device database.
	StorePath string
	// ProfileDir receives the exclusivity lock.
	ProfileDir string
}

// WhatsAppClient is a session.Client on top of whatsmeow. It never reconnects
// on its own; recovery is the controller's decision.
type WhatsAppClient struct {
	handler session.EventHandler
	wa      *whatsmeow.Client
	db      *sql.DB
	lock    *flock.Flock

	mu        sync.Mutex
	qrCancel  context.CancelFunc
	destroyed bool
}

// NewWhatsAppFactory returns a session.ClientFactory for opts.
func NewWhatsAppFactory(opts WhatsAppOptions) session.ClientFactory {
	return func(ctx context.Context, handler session.EventHandler) (session.Client, error) {
		return NewWhatsAppClient(ctx, opts, handler)
	}
}

// NewWhatsAppClient locks the profile, opens the device store and builds the
// whatsmeow client. It does not connect.
func NewWhatsAppClient(ctx context.Context, opts WhatsAppOptions, handler session.EventHandler) (*WhatsAppClient, error) {
	if opts.StorePath == "" {
		return nil, fmt.Errorf("whatsapp store path is required")
	}
	if opts.ProfileDir == "" {
		opts.ProfileDir = filepath.Dir(opts.StorePath)
	}

	// 1. Ensure directories and take the profile lock
	for _, dir := range []string{opts.ProfileDir, filepath.Dir(opts.StorePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	lock := flock.New(filepath.Join(opts.ProfileDir, reclaim.LockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock session profile: %w", err)
	}
	if !locked {
		return nil, ErrProfileInUse
	}

	c := &WhatsAppClient{handler: handler, lock: lock}
	if err := c.open(ctx, opts.StorePath); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

func (c *WhatsAppClient) open(ctx context.Context, storePath string) error {
	// 2. Initialise SQLite container with serialized access
	base := logger.Zerolog()
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", storePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open whatsmeow database: %w", err)
	}
	// Serialize all database access through a single connection to prevent SQLITE_BUSY
	db.SetMaxOpenConns(1)
	c.db = db

	dbLog := waLog.Zerolog(base.With().Str("component", "whatsmeow-db").Logger())
	container := sqlstore.NewWithDB(db, "sqlite", dbLog)
	if err := container.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade whatsmeow database: %w", err)
	}

	// 3. Get or create device
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device from store: %w", err)
	}

	// 4. Create client
	clientLog := waLog.Zerolog(base.With().Str("component", "whatsmeow").Logger())
	c.wa = whatsmeow.NewClient(deviceStore, clientLog)
	c.wa.EnableAutoReconnect = false
	c.wa.AddEventHandler(c.eventHandler)
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect opens the connection. Unpaired devices get a QR channel whose
// codes are reported as session.QREvent.
func (c *WhatsAppClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("whatsapp client already destroyed")
	}
	if c.wa.Store.ID == nil {
		logger.InfoC("whatsapp", "No existing session found, starting QR code login")
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := c.wa.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			c.mu.Unlock()
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		c.qrCancel = cancel
		go c.pumpQR(qrChan)
	} else {
		logger.InfoCF("whatsapp", "Resuming existing session", map[string]interface{}{
			"device_id": c.wa.Store.ID.String(),
		})
	}
	c.mu.Unlock()

	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Destroy disconnects and releases the store and profile lock. Safe to call
// more than once.
func (c *WhatsAppClient) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	if c.qrCancel != nil {
		c.qrCancel()
		c.qrCancel = nil
	}
	c.mu.Unlock()

	if c.wa != nil {
		c.wa.RemoveEventHandlers()
		c.wa.Disconnect()
	}
	return c.release()
}

func (c *WhatsAppClient) release() error {
	var errs []error
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if c.lock != nil {
		if err := c.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("unlock profile: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func (c *WhatsAppClient) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			logger.DebugC("whatsapp", "QR code received")
			c.emit(session.QREvent{Code: evt.Code})

		case "success":
			logger.InfoC("whatsapp", "QR pairing successful")

		case "timeout":
			logger.WarnC("whatsapp", "QR code timed out")
			c.emit(session.DisconnectedEvent{Reason: "QR code timed out"})

		default:
			reason := evt.Event
			if evt.Error != nil {
				reason = fmt.Sprintf("%s: %v", evt.Event, evt.Error)
			}
			logger.ErrorCF("whatsapp", "QR login error", map[string]interface{}{"event": reason})
			c.emit(session.AuthFailureEvent{Reason: reason})
		}
	}
}

// ---------------------------------------------------------------------------
// Event handling
// ---------------------------------------------------------------------------

func (c *WhatsAppClient) emit(ev session.Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}

// eventHandler maps whatsmeow events onto session events.
func (c *WhatsAppClient) eventHandler(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleIncomingMessage(v)
	case *events.Connected:
		logger.InfoC("whatsapp", "WhatsApp connected")
		c.emit(session.ReadyEvent{Account: c.account()})
	case *events.PairSuccess:
		logger.InfoCF("whatsapp", "Device paired", map[string]interface{}{
			"device_id": v.ID.String(),
			"platform":  v.Platform,
		})
	case *events.LoggedOut:
		c.emit(session.DisconnectedEvent{Reason: fmt.Sprintf("logged out: %v", v.Reason)})
	case *events.StreamReplaced:
		c.emit(session.DisconnectedEvent{Reason: "session replaced by another connection"})
	case *events.Disconnected:
		c.emit(session.DisconnectedEvent{Reason: "connection lost"})
	case *events.ConnectFailure:
		reason := fmt.Sprintf("%v", v.Reason)
		if v.Message != "" {
			reason += ": " + v.Message
		}
		c.emit(session.AuthFailureEvent{Reason: reason})
	case *events.ClientOutdated:
		c.emit(session.AuthFailureEvent{Reason: "client outdated"})
	case *events.TemporaryBan:
		c.emit(session.AuthFailureEvent{Reason: fmt.Sprintf("temporary ban: %v", v.Code)})
	case *events.PairError:
		c.emit(session.FaultEvent{Err: fmt.Errorf("pairing failed: %w", v.Error)})
	case *events.KeepAliveTimeout:
		c.emit(session.FaultEvent{Err: fmt.Errorf("keepalive timeout (%d consecutive errors)", v.ErrorCount)})
	case *events.HistorySync:
		// Ignore history syncs – we only process real-time messages
	}
}

// LinkedAccount reports the account persisted in the device store, or nil
// if the profile has never been linked.
func (c *WhatsAppClient) LinkedAccount() *bus.Account { return c.account() }

func (c *WhatsAppClient) account() *bus.Account {
	if c.wa == nil || c.wa.Store == nil || c.wa.Store.ID == nil {
		return nil
	}
	id := *c.wa.Store.ID
	return &bus.Account{
		PushName: c.wa.Store.PushName,
		WID:      id.String(),
		Phone:    id.ToNonAD().String(),
		Platform: c.wa.Store.Platform,
	}
}

// ---------------------------------------------------------------------------
// Inbound messages
// ---------------------------------------------------------------------------

// handleIncomingMessage forwards a real-time text message to the session.
func (c *WhatsAppClient) handleIncomingMessage(evt *events.Message) {
	// Skip own messages and broadcasts
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	content := extractTextContent(evt.Message)
	if content == "" {
		if !hasMedia(evt.Message) {
			return
		}
		content = "[media]"
	}

	c.emit(session.MessageEvent{Message: bus.InboundMessage{
		From:      evt.Info.Chat.String(),
		Body:      content,
		Timestamp: evt.Info.Timestamp,
		MessageID: evt.Info.ID,
		PushName:  evt.Info.PushName,
	}})
}

// extractTextContent returns the plain-text body from a WhatsApp message.
func extractTextContent(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func hasMedia(msg *waE2E.Message) bool {
	if msg == nil {
		return false
	}
	return msg.GetImageMessage() != nil ||
		msg.GetAudioMessage() != nil ||
		msg.GetVideoMessage() != nil ||
		msg.GetDocumentMessage() != nil ||
		msg.GetStickerMessage() != nil
}

// ---------------------------------------------------------------------------
// Outbound messages
// ---------------------------------------------------------------------------

// SendText delivers a text message to a normalized address.
func (c *WhatsAppClient) SendText(ctx context.Context, to, body string) (string, error) {
	if c.wa == nil || !c.wa.IsConnected() {
		return "", whatsmeow.ErrNotConnected
	}

	targetJID, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid chat ID '%s': %w", to, err)
	}
	if strings.TrimSpace(targetJID.User) == "" {
		return "", fmt.Errorf("invalid chat ID '%s'", to)
	}

	// Typing indicator
	_ = c.wa.SendChatPresence(ctx, targetJID, types.ChatPresenceComposing, "")

	resp, err := c.wa.SendMessage(ctx, targetJID, &waE2E.Message{
		Conversation: proto.String(body),
	})

	// Clear typing indicator
	_ = c.wa.SendChatPresence(ctx, targetJID, types.ChatPresencePaused, "")

	if err != nil {
		return "", fmt.Errorf("failed to send whatsapp message: %w", err)
	}

	logger.DebugCF("whatsapp", "Message sent", map[string]interface{}{
		"to":         targetJID.String(),
		"message_id": resp.ID,
	})
	return resp.ID, nil
}
