package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schedulink/wagateway/internal/gateway"
	"github.com/schedulink/wagateway/internal/store"
	"github.com/schedulink/wagateway/pkg/models"
)

type sentMessage struct {
	chatID string
	text   string
}

type fakeClient struct {
	mu          sync.Mutex
	handler     gateway.Handler
	connected   bool
	connectErr  error
	disconnects int
	logouts     int
	sent        []sentMessage
	pairCode    string
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsLoggedIn() bool {
	return c.IsConnected()
}

func (c *fakeClient) PairPhone(ctx context.Context, phoneNumber string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pairCode == "" {
		return "", errors.New("pairing unavailable")
	}
	return c.pairCode, nil
}

func (c *fakeClient) SendText(ctx context.Context, chatID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{chatID: chatID, text: text})
	return "MSG-1", nil
}

func (c *fakeClient) SendMedia(ctx context.Context, chatID string, media models.Media, caption string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{chatID: chatID, text: caption})
	return "MSG-2", nil
}

// emit delivers an event as if it came from the live socket.
func (c *fakeClient) emit(evt gateway.Event) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	handler(evt)
}

type fakeDialer struct {
	mu      sync.Mutex
	dialErr error
	clients []*fakeClient
}

func (d *fakeDialer) Dial(ctx context.Context, tenant models.TenantID, credDir string, handler gateway.Handler) (gateway.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &fakeClient{handler: handler, pairCode: "ABCD-1234"}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

type statusRecorder struct {
	mu      sync.Mutex
	changes []statusChange
}

type statusChange struct {
	status models.Status
	code   int
}

func (r *statusRecorder) record(status models.Status, closeCode int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, statusChange{status: status, code: closeCode})
}

func (r *statusRecorder) has(status models.Status, code int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if c.status == status && c.code == code {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, cfg Config, cb Callbacks) (*Session, *fakeDialer, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	dialer := &fakeDialer{}
	s := New("acme", cfg, st, dialer, testLogger(), nil, cb)
	t.Cleanup(s.Close)
	return s, dialer, st
}

func TestConnectQRFlowThenOpen(t *testing.T) {
	rec := &statusRecorder{}
	s, dialer, st := newTestSession(t, Config{}, Callbacks{OnStatus: rec.record})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := dialer.last()
	if client == nil {
		t.Fatal("no client dialed")
	}

	client.emit(gateway.QREvent{Token: "tok-1"})
	waitFor(t, func() bool {
		return strings.HasPrefix(s.Status().QRImage, "data:image/png;base64,")
	}, "QR image never surfaced")

	client.emit(gateway.OpenedEvent{JID: "15551234567@s.whatsapp.net"})
	waitFor(t, func() bool { return s.Status().Connected }, "session never connected")

	snap := s.Status()
	if snap.Status != models.StatusConnected {
		t.Errorf("status = %q, want %q", snap.Status, models.StatusConnected)
	}
	if snap.QRImage != "" {
		t.Error("QR image should clear on successful open")
	}
	if snap.ConnectionAttempts != 0 {
		t.Errorf("attempts = %d, want 0 after open", snap.ConnectionAttempts)
	}
	if !rec.has(models.StatusConnecting, 0) || !rec.has(models.StatusConnected, 0) {
		t.Error("missing connecting/connected transitions")
	}

	creds, err := st.Load("acme")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if creds == nil || creds.RegisteredJID != "15551234567@s.whatsapp.net" {
		t.Errorf("pairing metadata not persisted: %+v", creds)
	}
}

func TestQRExpiryWithheldFromStatus(t *testing.T) {
	s, dialer, _ := newTestSession(t, Config{QRRefresh: 40 * time.Millisecond}, Callbacks{})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.last().emit(gateway.QREvent{Token: "tok-1"})
	waitFor(t, func() bool { return s.Status().QRImage != "" }, "QR image never surfaced")

	waitFor(t, func() bool { return s.Status().QRImage == "" }, "expired QR still returned")
}

func TestDialFailureReportsTransientClose(t *testing.T) {
	rec := &statusRecorder{}
	s, dialer, _ := newTestSession(t, Config{}, Callbacks{OnStatus: rec.record})
	dialer.mu.Lock()
	dialer.dialErr = errors.New("session store unavailable")
	dialer.mu.Unlock()

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect should surface the dial error")
	}
	// A failed dial is a transient loss, so it must carry a close code
	// that feeds the backoff scheduler.
	if !rec.has(models.StatusDisconnected, gateway.CodeConnectionLost) {
		t.Error("dial failure not reported with a transient close code")
	}

	// The session stays usable once the dialer recovers.
	dialer.mu.Lock()
	dialer.dialErr = nil
	dialer.mu.Unlock()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after recovery: %v", err)
	}
}

func TestQRExpiredSignal(t *testing.T) {
	var mu sync.Mutex
	expired := 0
	cb := Callbacks{OnQRExpired: func() {
		mu.Lock()
		expired++
		mu.Unlock()
	}}
	s, dialer, _ := newTestSession(t, Config{QRRefresh: 40 * time.Millisecond}, cb)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.last().emit(gateway.QREvent{Token: "tok-1"})
	waitFor(t, func() bool { return s.Status().QRImage != "" }, "QR image never surfaced")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return expired >= 1
	}, "expiry signal never fired")
	if s.Status().QRImage != "" {
		t.Error("QR image should be cleared once expired")
	}
}

func TestConnectGuards(t *testing.T) {
	s, dialer, _ := newTestSession(t, Config{}, Callbacks{})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(context.Background()); !gateway.IsCode(err, gateway.ErrCodeAlreadyConnecting) {
		t.Errorf("second connect error = %v, want ALREADY_CONNECTING", err)
	}

	dialer.last().emit(gateway.OpenedEvent{JID: "1@s.whatsapp.net"})
	waitFor(t, func() bool { return s.Status().Connected }, "session never connected")

	if err := s.Connect(context.Background()); !gateway.IsCode(err, gateway.ErrCodeAlreadyConnected) {
		t.Errorf("connect on live session error = %v, want ALREADY_CONNECTED", err)
	}
}

func TestMaxConnectionAttempts(t *testing.T) {
	s, dialer, _ := newTestSession(t, Config{MaxConnectionAttempts: 3}, Callbacks{})

	for i := 0; i < 2; i++ {
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect %d: %v", i+1, err)
		}
		dialer.last().emit(gateway.ClosedEvent{Code: gateway.CodeConnectionLost, Reason: "lost"})
		waitFor(t, func() bool { return s.Status().Status == models.StatusIdle }, "close never settled")
	}

	err := s.Connect(context.Background())
	if !gateway.IsCode(err, gateway.ErrCodeMaxAttempts) {
		t.Fatalf("error = %v, want MAX_ATTEMPTS_EXCEEDED", err)
	}
}

func TestLoggedOutWipesCredentials(t *testing.T) {
	rec := &statusRecorder{}
	s, dialer, st := newTestSession(t, Config{}, Callbacks{OnStatus: rec.record})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := dialer.last()
	client.emit(gateway.OpenedEvent{JID: "1@s.whatsapp.net"})
	waitFor(t, func() bool { return s.Status().Connected }, "session never connected")

	client.emit(gateway.ClosedEvent{Code: gateway.CodeLoggedOut, Reason: "logged out"})
	waitFor(t, func() bool {
		return rec.has(models.StatusCredentialsExpired, gateway.CodeLoggedOut)
	}, "credentials_expired never reported")

	creds, err := st.Load("acme")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if creds != nil {
		t.Error("credentials should be wiped after a logged-out close")
	}
}

func TestCloseClassification(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		status models.Status
	}{
		{"transient lost", gateway.CodeConnectionLost, models.StatusDisconnected},
		{"transient replaced", gateway.CodeConnectionReplaced, models.StatusDisconnected},
		{"terminal forbidden", gateway.CodeForbidden, models.StatusCriticalError},
		{"terminal unavailable", gateway.CodeServiceUnavailable, models.StatusCriticalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &statusRecorder{}
			s, dialer, _ := newTestSession(t, Config{}, Callbacks{OnStatus: rec.record})

			if err := s.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			client := dialer.last()
			client.emit(gateway.OpenedEvent{JID: "1@s.whatsapp.net"})
			waitFor(t, func() bool { return s.Status().Connected }, "session never connected")

			client.emit(gateway.ClosedEvent{Code: tt.code, Reason: "closed"})
			waitFor(t, func() bool { return rec.has(tt.status, tt.code) },
				"expected status change never arrived")
		})
	}
}

func TestStaleEventsDropped(t *testing.T) {
	s, dialer, _ := newTestSession(t, Config{}, Callbacks{})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stale := dialer.last()
	s.Disconnect()

	stale.emit(gateway.OpenedEvent{JID: "1@s.whatsapp.net"})
	time.Sleep(50 * time.Millisecond)
	if s.Status().Connected {
		t.Error("event from superseded handle should be dropped")
	}
}

func TestActivationGate(t *testing.T) {
	var mu sync.Mutex
	var inbound []models.InboundMessage
	cb := Callbacks{OnMessage: func(msg models.InboundMessage) {
		mu.Lock()
		inbound = append(inbound, msg)
		mu.Unlock()
	}}
	s, dialer, _ := newTestSession(t, Config{}, cb)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := dialer.last()
	client.emit(gateway.OpenedEvent{JID: "1@s.whatsapp.net"})
	waitFor(t, func() bool { return s.Status().Connected }, "session never connected")

	chat := "15550001111@s.whatsapp.net"
	msg := func(text string, fromMe, isGroup bool) gateway.MessageEvent {
		return gateway.MessageEvent{
			MessageID: "M1", ChatID: chat, SenderID: chat,
			Text: text, FromMe: fromMe, IsGroup: isGroup, Timestamp: time.Now(),
		}
	}

	// Not activated yet and not the keyword.
	client.emit(msg("hello", false, false))
	// Keyword activates but is not forwarded.
	client.emit(msg(" !BOT ", false, false))
	// Echoes and groups never pass the gate.
	client.emit(msg("from me", true, false))
	client.emit(msg("group chatter", false, true))
	// Activated chat forwards.
	client.emit(msg("what is the schedule?", false, false))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inbound) == 1
	}, "activated message never forwarded")

	mu.Lock()
	defer mu.Unlock()
	if inbound[0].Text != "what is the schedule?" || inbound[0].ChatID != chat {
		t.Errorf("unexpected inbound message: %+v", inbound[0])
	}
}

func TestSendText(t *testing.T) {
	s, dialer, _ := newTestSession(t, Config{}, Callbacks{})

	if _, err := s.SendText(context.Background(), "15551234567", "hi"); !gateway.IsCode(err, gateway.ErrCodeNotConnected) {
		t.Errorf("send without connection error = %v, want NOT_CONNECTED", err)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := dialer.last()
	client.emit(gateway.OpenedEvent{JID: "1@s.whatsapp.net"})
	waitFor(t, func() bool { return s.Status().Connected }, "session never connected")

	if _, err := s.SendText(context.Background(), "not a number", "hi"); !gateway.IsCode(err, gateway.ErrCodeInvalidRecipient) {
		t.Errorf("bad recipient error = %v, want INVALID_RECIPIENT", err)
	}

	id, err := s.SendText(context.Background(), "+1 555 123 4567", "hi")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id != "MSG-1" {
		t.Errorf("message ID = %q, want MSG-1", id)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sent) != 1 || client.sent[0].chatID != "15551234567@s.whatsapp.net" {
		t.Errorf("sent = %+v, want normalized chat ID", client.sent)
	}
}

func TestRequestPairingCode(t *testing.T) {
	ttl := 40 * time.Millisecond
	s, dialer, _ := newTestSession(t, Config{PairingCodeTTL: ttl}, Callbacks{})

	if _, err := s.RequestPairingCode(context.Background(), "+15551234567"); !gateway.IsCode(err, gateway.ErrCodeNotConnected) {
		t.Errorf("pairing without connection error = %v, want NOT_CONNECTED", err)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.last().emit(gateway.QREvent{Token: "tok-1"})
	waitFor(t, func() bool { return s.Status().QRImage != "" }, "QR image never surfaced")

	code, err := s.RequestPairingCode(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("RequestPairingCode: %v", err)
	}
	if code != "ABCD-1234" {
		t.Errorf("code = %q, want ABCD-1234", code)
	}

	snap := s.Status()
	if snap.PairingCode == nil || snap.PairingCode.Code != code {
		t.Fatalf("pairing code missing from snapshot: %+v", snap.PairingCode)
	}
	if snap.QRImage != "" {
		t.Error("QR image should clear when a pairing code is issued")
	}

	waitFor(t, func() bool { return s.Status().PairingCode == nil }, "expired pairing code still returned")
}

func TestCleanup(t *testing.T) {
	s, dialer, st := newTestSession(t, Config{}, Callbacks{})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client := dialer.last()
	client.emit(gateway.OpenedEvent{JID: "1@s.whatsapp.net"})
	waitFor(t, func() bool { return s.Status().Connected }, "session never connected")

	if err := s.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	client.mu.Lock()
	logouts, disconnects := client.logouts, client.disconnects
	client.mu.Unlock()
	if logouts != 1 {
		t.Errorf("logouts = %d, want 1", logouts)
	}
	if disconnects == 0 {
		t.Error("client never disconnected")
	}

	creds, err := st.Load("acme")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if creds != nil {
		t.Error("credentials should be deleted on cleanup")
	}

	if err := s.Connect(context.Background()); err == nil {
		t.Error("connect after cleanup should fail")
	}
}

func TestDisconnectIsDeliberate(t *testing.T) {
	rec := &statusRecorder{}
	s, dialer, _ := newTestSession(t, Config{}, Callbacks{OnStatus: rec.record})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dialer.last().emit(gateway.OpenedEvent{JID: "1@s.whatsapp.net"})
	waitFor(t, func() bool { return s.Status().Connected }, "session never connected")

	s.Disconnect()
	if !rec.has(models.StatusDisconnected, 0) {
		t.Error("deliberate disconnect should report close code 0")
	}
	if s.Status().Connected {
		t.Error("still connected after Disconnect")
	}
}
