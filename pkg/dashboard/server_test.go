package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/send"
	"github.com/sipeed/wabridge/pkg/session"
)

type blockingClient struct {
	release chan struct{}
	sendErr error
	linked  *bus.Account
}

func (c *blockingClient) Connect(ctx context.Context) error { return nil }
func (c *blockingClient) Destroy() error                    { return nil }

func (c *blockingClient) LinkedAccount() *bus.Account { return c.linked }

func (c *blockingClient) SendText(ctx context.Context, to, body string) (string, error) {
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if c.sendErr != nil {
		return "", c.sendErr
	}
	return "3EB0FEED", nil
}

type harness struct {
	ctrl    *session.Controller
	arbiter *send.Arbiter
	hub     *bus.Hub
	server  *Server
	client  *blockingClient

	mu      sync.Mutex
	handler session.EventHandler
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessWithSettle(t, opts, time.Millisecond)
}

func newHarnessWithSettle(t *testing.T, opts Options, settle time.Duration) *harness {
	t.Helper()
	h := &harness{client: &blockingClient{}, hub: bus.NewHub(16)}
	factory := func(ctx context.Context, handler session.EventHandler) (session.Client, error) {
		h.mu.Lock()
		h.handler = handler
		h.mu.Unlock()
		return h.client, nil
	}
	h.ctrl = session.NewController(factory, session.Options{
		Hub:         h.hub,
		SettleDelay: settle,
	})
	h.arbiter = send.NewArbiter(h.ctrl, send.Options{Timeout: 2 * time.Second, Backoff: time.Millisecond})
	h.server = NewServer(h.ctrl, h.arbiter, h.hub, opts)
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) emit(ev session.Event) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	handler(ev)
}

func (h *harness) authenticate(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	h.emit(session.ReadyEvent{Account: &bus.Account{PushName: "Shop", Phone: "15550001111@s.whatsapp.net"}})
	if !h.ctrl.Authenticated() {
		t.Fatal("controller not authenticated")
	}
}

func do(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Options{})
	rec, body := do(t, h.server.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || body["ok"] != true || body["authenticated"] != false {
		t.Fatalf("health = %d %v", rec.Code, body)
	}
}

func TestSendWhileUninitializedIsUnauthorized(t *testing.T) {
	h := newHarness(t, Options{})
	rec, body := do(t, h.server.Handler(), http.MethodPost, "/api/send", `{"phone":"+1555123456","message":"hi"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (%v)", rec.Code, body)
	}
	if body["error"] != session.ErrNotAuthenticated.Error() {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, Options{})
	handler := h.server.Handler()

	rec, body := do(t, handler, http.MethodPost, "/api/send", `{"phone":"","message":"hi"}`)
	if rec.Code != http.StatusBadRequest || body["error"] != "phone and message required" {
		t.Fatalf("missing phone = %d %v", rec.Code, body)
	}
	rec, _ = do(t, handler, http.MethodPost, "/api/send", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", rec.Code)
	}
	rec, _ = do(t, handler, http.MethodGet, "/api/send", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/send = %d", rec.Code)
	}
}

func TestSendSucceedsWhenAuthenticated(t *testing.T) {
	h := newHarness(t, Options{})
	h.authenticate(t)

	rec, body := do(t, h.server.Handler(), http.MethodPost, "/api/send", `{"phone":"+1 555 123 456","message":"hi"}`)
	if rec.Code != http.StatusOK || body["success"] != true || body["messageId"] != "3EB0FEED" {
		t.Fatalf("send = %d %v", rec.Code, body)
	}
	if body["recipient"] != "1555123456@s.whatsapp.net" {
		t.Fatalf("recipient = %v", body["recipient"])
	}
}

func TestSelfSendRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.authenticate(t)
	rec, _ := do(t, h.server.Handler(), http.MethodPost, "/api/send", `{"phone":"15550001111","message":"hi"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSelfSendRejectedBeforeReconnect(t *testing.T) {
	h := newHarness(t, Options{})
	h.client.linked = &bus.Account{WID: "15550001111:7@s.whatsapp.net"}
	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	handler := h.server.Handler()

	rec, body := do(t, handler, http.MethodPost, "/api/send", `{"phone":"15550001111","message":"hi"}`)
	if rec.Code != http.StatusBadRequest || body["error"] != send.ErrSelfSend.Error() {
		t.Fatalf("self send = %d %v, want 400", rec.Code, body)
	}
	rec, _ = do(t, handler, http.MethodPost, "/api/send", `{"phone":"1555123456","message":"hi"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("other recipient = %d, want 401", rec.Code)
	}
}

func TestSendTransientFailureIsQueued(t *testing.T) {
	h := newHarness(t, Options{})
	h.client.sendErr = errors.New("Evaluation failed: TypeError")
	h.authenticate(t)

	rec, body := do(t, h.server.Handler(), http.MethodPost, "/api/send", `{"phone":"1555123456","message":"hi"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d %v, want 202", rec.Code, body)
	}
	if body["queued"] != true || !strings.Contains(body["error"].(string), "Evaluation failed") {
		t.Fatalf("body = %v", body)
	}
}

func TestSendFatalFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.client.sendErr = errors.New("server returned error 479")
	h.authenticate(t)

	rec, body := do(t, h.server.Handler(), http.MethodPost, "/api/send", `{"phone":"1555123456","message":"hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d %v, want 500", rec.Code, body)
	}
	if body["error"] != "server returned error 479" {
		t.Fatalf("error = %v", body["error"])
	}
	if _, ok := body["queued"]; ok {
		t.Fatalf("fatal failure must not be queued: %v", body)
	}
}

func TestConcurrentSendRejected(t *testing.T) {
	h := newHarness(t, Options{})
	h.client.release = make(chan struct{})
	h.authenticate(t)
	handler := h.server.Handler()

	first := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(`{"phone":"1555123456","message":"one"}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		first <- rec.Code
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.arbiter.InFlight() == nil {
		if time.Now().After(deadline) {
			t.Fatal("first send never became in-flight")
		}
		time.Sleep(time.Millisecond)
	}

	rec, body := do(t, handler, http.MethodPost, "/api/send", `{"phone":"1555999888","message":"two"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second send = %d %v, want 429", rec.Code, body)
	}

	close(h.client.release)
	if code := <-first; code != http.StatusOK {
		t.Fatalf("first send = %d, want 200", code)
	}
}

func TestInitConflict(t *testing.T) {
	h := newHarness(t, Options{})
	handler := h.server.Handler()

	rec, body := do(t, handler, http.MethodPost, "/api/init", "")
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("first init = %d %v", rec.Code, body)
	}
	rec, body = do(t, handler, http.MethodPost, "/api/init", "")
	if rec.Code != http.StatusConflict || body["error"] != "Client already initialized" {
		t.Fatalf("second init = %d %v", rec.Code, body)
	}
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, Options{})
	handler := h.server.Handler()

	rec, body := do(t, handler, http.MethodPost, "/api/disconnect", "")
	if rec.Code != http.StatusConflict || body["error"] != "No client to disconnect" {
		t.Fatalf("disconnect without client = %d %v", rec.Code, body)
	}

	h.authenticate(t)
	rec, _ = do(t, handler, http.MethodPost, "/api/disconnect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect = %d", rec.Code)
	}
	if h.ctrl.State() != session.StateDisconnected {
		t.Fatalf("state = %s", h.ctrl.State())
	}
}

func TestQREndpoints(t *testing.T) {
	h := newHarness(t, Options{})
	handler := h.server.Handler()

	for _, path := range []string{"/qr.png", "/qr.svg", "/api/qr"} {
		rec, body := do(t, handler, http.MethodGet, path, "")
		if rec.Code != http.StatusNotFound || body["error"] != "QR not available" {
			t.Fatalf("%s without challenge = %d %v", path, rec.Code, body)
		}
	}

	if err := h.ctrl.Start(); err != nil {
		t.Fatal(err)
	}
	h.emit(session.QREvent{Code: "2@abcdef,ghijkl,mnopqr,stuvwx"})

	rec, _ := do(t, handler, http.MethodGet, "/qr.png", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("/qr.png = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("cache-control = %q", rec.Header().Get("Cache-Control"))
	}
	if !strings.HasPrefix(rec.Body.String(), "\x89PNG") {
		t.Fatal("body is not a PNG")
	}

	rec, body := do(t, handler, http.MethodGet, "/api/qr", "")
	if rec.Code != http.StatusOK || body["hasQR"] != true {
		t.Fatalf("/api/qr = %d %v", rec.Code, body)
	}
	if qr, _ := body["qr"].(string); !strings.HasPrefix(qr, "data:image/png;base64,") {
		t.Fatalf("qr = %.40q", qr)
	}

	rec, _ = do(t, handler, http.MethodGet, "/qr.svg?size=200", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<svg") {
		t.Fatalf("/qr.svg = %d", rec.Code)
	}
}

func TestStatusAndDebug(t *testing.T) {
	h := newHarness(t, Options{})
	h.authenticate(t)
	handler := h.server.Handler()

	rec, body := do(t, handler, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK || body["authenticated"] != true || body["hasQR"] != false {
		t.Fatalf("status = %d %v", rec.Code, body)
	}
	if _, ok := body["diagnostics"].(map[string]interface{}); !ok {
		t.Fatalf("diagnostics missing: %v", body)
	}
	if acct, _ := body["account"].(map[string]interface{}); acct["pushname"] != "Shop" {
		t.Fatalf("account = %v", body["account"])
	}

	rec, body = do(t, handler, http.MethodGet, "/api/debug", "")
	if rec.Code != http.StatusOK || body["state"] != "authenticated" {
		t.Fatalf("debug = %d %v", rec.Code, body)
	}
	if qr, _ := body["qr"].(map[string]interface{}); qr["present"] != false {
		t.Fatalf("debug qr = %v", body["qr"])
	}
}

func TestRestartAccepted(t *testing.T) {
	h := newHarness(t, Options{})
	h.authenticate(t)
	rec, _ := do(t, h.server.Handler(), http.MethodPost, "/api/restart", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("restart = %d", rec.Code)
	}
}

func TestRestartWhileRestartingConflicts(t *testing.T) {
	h := newHarnessWithSettle(t, Options{}, 200*time.Millisecond)
	h.authenticate(t)
	handler := h.server.Handler()

	rec, _ := do(t, handler, http.MethodPost, "/api/restart", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first restart = %d, want 202", rec.Code)
	}
	rec, body := do(t, handler, http.MethodPost, "/api/restart", "")
	if rec.Code != http.StatusConflict || body["error"] != session.ErrRestartInProgress.Error() {
		t.Fatalf("second restart = %d %v, want 409", rec.Code, body)
	}
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		origin string
		want   int
	}{
		{"no origin", Options{Production: true}, "", http.StatusOK},
		{"localhost in development", Options{}, "http://localhost:3001", http.StatusOK},
		{"localhost in production", Options{Production: true}, "http://localhost:3001", http.StatusForbidden},
		{"listed origin", Options{Production: true, AllowedOrigins: []string{"https://crm.example.com"}}, "https://crm.example.com", http.StatusOK},
		{"unlisted origin", Options{}, "https://evil.example.com", http.StatusForbidden},
		{"localhost with explicit list", Options{AllowedOrigins: []string{"https://crm.example.com"}}, "http://localhost:3000", http.StatusForbidden},
		{"localhost listed explicitly", Options{Production: true, AllowedOrigins: []string{"http://localhost:3000"}}, "http://localhost:3000", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts)
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.server.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && tt.origin != "" && rec.Header().Get("Access-Control-Allow-Origin") != tt.origin {
				t.Fatalf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) bus.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev bus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() = %v", err)
	}
	return ev
}

func TestWebSocketReplayAndCommands(t *testing.T) {
	h := newHarness(t, Options{})
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer conn.Close()

	if ev := readEvent(t, conn); ev.Type != bus.TypeStatus || ev.Snapshot == nil || ev.Authenticated {
		t.Fatalf("first event = %+v", ev)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != bus.TypePong {
		t.Fatalf("ping reply = %+v", ev)
	}

	// Nothing to disconnect yet
	if err := conn.WriteJSON(map[string]string{"type": "disconnect"}); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != bus.TypeError {
		t.Fatalf("disconnect reply = %+v", ev)
	}

	if err := conn.WriteJSON(map[string]string{"type": "init"}); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Type != bus.TypeStatus || !ev.Connecting {
		t.Fatalf("init broadcast = %+v", ev)
	}

	if err := conn.WriteJSON(map[string]string{"type": "disconnect"}); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bus.Event{}
	for seen[bus.TypeDisconnected].Type == "" || seen[bus.TypeDisconnectedAck].Type == "" {
		ev := readEvent(t, conn)
		seen[ev.Type] = ev
	}
	if seen[bus.TypeDisconnected].Reason != "User requested disconnect" {
		t.Fatalf("disconnected = %+v", seen[bus.TypeDisconnected])
	}
	if !seen[bus.TypeDisconnectedAck].Success {
		t.Fatalf("ack = %+v", seen[bus.TypeDisconnectedAck])
	}
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	h := newHarness(t, Options{Production: true})
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v", resp)
	}
}
