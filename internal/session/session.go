// Package session implements the per-tenant gateway session: the connect
// lifecycle, QR/pairing-code handling, the inbound activation gate and the
// send operations. Each session owns exactly one live gateway client at a
// time and processes its events on a single goroutine in arrival order.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/schedulink/wagateway/internal/gateway"
	"github.com/schedulink/wagateway/internal/observability"
	"github.com/schedulink/wagateway/internal/store"
	"github.com/schedulink/wagateway/pkg/models"
)

// Config controls session behavior.
type Config struct {
	// MaxConnectionAttempts is the same-call connect ceiling. This is
	// independent of the registry's scheduled-retry ceiling.
	MaxConnectionAttempts int

	// QRRefresh is how long a QR token stays valid before it is cleared.
	QRRefresh time.Duration

	// PairingCodeTTL is how long an issued pairing code is shown.
	PairingCodeTTL time.Duration

	// SendTimeout bounds outbound sends.
	SendTimeout time.Duration

	// ActivationKeyword opts a chat into automated triggers.
	ActivationKeyword string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionAttempts: 5,
		QRRefresh:             30 * time.Second,
		PairingCodeTTL:        60 * time.Second,
		SendTimeout:           60 * time.Second,
		ActivationKeyword:     "!bot",
	}
}

// StatusFunc receives lifecycle transitions. closeCode carries the gateway
// close code that caused the transition, or 0 for deliberate ones; the
// registry uses it to decide reconnect eligibility.
type StatusFunc func(status models.Status, closeCode int, err error)

// MessageFunc receives inbound messages from activated chats.
type MessageFunc func(msg models.InboundMessage)

// Callbacks wires a session to its consumers. All fields are optional.
type Callbacks struct {
	OnStatus    StatusFunc
	OnMessage   MessageFunc
	OnQRExpired func()
}

// envelope carries one event through the session loop. gen identifies the
// client handle that produced it so events from superseded handles are
// dropped.
type envelope struct {
	gen  int
	evt  gateway.Event
	tick bool
}

// Session is one tenant's gateway session.
type Session struct {
	tenant  models.TenantID
	cfg     Config
	store   *store.Store
	dialer  gateway.Dialer
	logger  *slog.Logger
	metrics *observability.Metrics
	cb      Callbacks

	mu                 sync.Mutex
	client             gateway.Client
	gen                int
	connected          bool
	isConnecting       bool
	connectionAttempts int
	qrImage            string
	qrGeneratedAt      time.Time
	pairing            *models.PairingCode
	activated          map[string]struct{}
	qrTimer            *time.Timer
	closed             bool

	events chan envelope
	done   chan struct{}
}

// New creates a session and starts its event loop. metrics may be nil.
func New(tenant models.TenantID, cfg Config, st *store.Store, dialer gateway.Dialer,
	logger *slog.Logger, metrics *observability.Metrics, cb Callbacks) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConnectionAttempts <= 0 {
		cfg.MaxConnectionAttempts = DefaultConfig().MaxConnectionAttempts
	}
	if cfg.QRRefresh <= 0 {
		cfg.QRRefresh = DefaultConfig().QRRefresh
	}
	if cfg.PairingCodeTTL <= 0 {
		cfg.PairingCodeTTL = DefaultConfig().PairingCodeTTL
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	if cfg.ActivationKeyword == "" {
		cfg.ActivationKeyword = DefaultConfig().ActivationKeyword
	}

	s := &Session{
		tenant:    tenant,
		cfg:       cfg,
		store:     st,
		dialer:    dialer,
		logger:    logger.With("tenant", tenant),
		metrics:   metrics,
		cb:        cb,
		activated: make(map[string]struct{}),
		events:    make(chan envelope, 64),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

// Tenant returns the owning tenant ID.
func (s *Session) Tenant() models.TenantID {
	return s.tenant
}

// Connect opens a new gateway connection. The call returns once the
// transport is dialing; the rest of the lifecycle is event-driven. A
// connect in flight or a live connection yields an explicit rejection.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gateway.NewError(gateway.ErrCodeCritical, "session is closed", nil)
	}
	if s.connected {
		s.mu.Unlock()
		return gateway.ErrAlreadyConnected("session already connected")
	}
	if s.isConnecting {
		s.mu.Unlock()
		return gateway.ErrAlreadyConnecting("connect already in flight")
	}
	s.connectionAttempts++
	if s.connectionAttempts >= s.cfg.MaxConnectionAttempts {
		attempts := s.connectionAttempts
		s.mu.Unlock()
		s.observeConnect("rejected")
		return gateway.ErrMaxAttempts(fmt.Sprintf("connection attempts exhausted (%d)", attempts))
	}
	s.isConnecting = true
	s.gen++
	gen := s.gen
	old := s.client
	s.client = nil
	s.mu.Unlock()

	// Fully release the superseded handle before installing a new one.
	if old != nil {
		old.Disconnect()
	}

	s.notify(models.StatusConnecting, 0, nil)

	dir, err := s.store.TenantDir(s.tenant)
	if err != nil {
		s.connectFailed(err)
		return err
	}

	if creds, _ := s.store.Load(s.tenant); creds != nil {
		s.logger.Debug("using stored credentials", "jid", creds.RegisteredJID)
	}

	client, err := s.dialer.Dial(ctx, s.tenant, dir, func(evt gateway.Event) {
		s.enqueue(gen, evt)
	})
	if err != nil {
		s.connectFailed(err)
		return err
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		client.Disconnect()
		return gateway.NewError(gateway.ErrCodeCritical, "session torn down during connect", nil)
	}
	s.client = client
	s.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		s.mu.Lock()
		if s.client == client {
			s.client = nil
		}
		s.isConnecting = false
		s.mu.Unlock()
		client.Disconnect()
		s.observeConnect("error")
		s.notify(models.StatusDisconnected, gateway.CodeConnectionLost, err)
		return err
	}

	s.observeConnect("ok")
	return nil
}

// SendText sends a text message. It fails fast when no live handle exists;
// the chat ID is normalized into the gateway addressing form first.
func (s *Session) SendText(ctx context.Context, chatID, text string) (string, error) {
	chat, err := gateway.NormalizeChatID(chatID)
	if err != nil {
		return "", err
	}
	client, err := s.liveClient()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	id, err := client.SendText(ctx, chat, text)
	s.observeSend(start, err)
	return id, err
}

// SendMedia sends a media message with an optional caption.
func (s *Session) SendMedia(ctx context.Context, chatID string, media models.Media, caption string) (string, error) {
	if err := media.Validate(); err != nil {
		return "", gateway.NewError(gateway.ErrCodeInvalidRecipient, "invalid media payload", err)
	}
	chat, err := gateway.NormalizeChatID(chatID)
	if err != nil {
		return "", err
	}
	client, err := s.liveClient()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	id, err := client.SendMedia(ctx, chat, media, caption)
	s.observeSend(start, err)
	return id, err
}

// RequestPairingCode asks the gateway for a numeric pairing code as the
// alternative to QR authentication. QR material is cleared: the two paths
// are mutually exclusive within an attempt.
func (s *Session) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	s.mu.Lock()
	client := s.client
	gen := s.gen
	s.mu.Unlock()
	if client == nil {
		return "", gateway.ErrNotConnected("no gateway connection to pair against")
	}

	code, err := client.PairPhone(ctx, phoneNumber)
	if err != nil {
		return "", err
	}

	now := time.Now()
	s.mu.Lock()
	if gen == s.gen && !s.closed {
		s.pairing = &models.PairingCode{
			Code:        code,
			PhoneNumber: phoneNumber,
			IssuedAt:    now,
			ExpiresAt:   now.Add(s.cfg.PairingCodeTTL),
		}
		s.qrImage = ""
		s.qrGeneratedAt = time.Time{}
		s.stopQRTimerLocked()
	}
	s.mu.Unlock()
	return code, nil
}

// Status returns a point-in-time snapshot. Expired QR and pairing material
// is withheld, not merely flagged.
func (s *Session) Status() models.StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	snap := models.StatusSnapshot{
		TenantID:           s.tenant,
		Connected:          s.connected,
		ConnectionAttempts: s.connectionAttempts,
	}
	switch {
	case s.connected:
		snap.Status = models.StatusConnected
	case s.isConnecting:
		snap.Status = models.StatusConnecting
	default:
		snap.Status = models.StatusIdle
	}
	if s.qrImage != "" && now.Sub(s.qrGeneratedAt) < s.cfg.QRRefresh {
		snap.QRImage = s.qrImage
	}
	if s.pairing != nil && !s.pairing.Expired(now) {
		p := *s.pairing
		snap.PairingCode = &p
	}
	return snap
}

// IsConnected reports whether the session holds a handle that the gateway
// still considers connected. The registry's health sweep relies on this to
// catch silent connection loss.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	client := s.client
	connected := s.connected
	s.mu.Unlock()
	return connected && client != nil && client.IsConnected()
}

// Disconnect releases the live handle and cancels pending timers. The
// session stays usable for a later Connect; credentials are kept.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	client := s.client
	s.client = nil
	wasConnected := s.connected
	s.connected = false
	s.isConnecting = false
	s.qrImage = ""
	s.qrGeneratedAt = time.Time{}
	s.pairing = nil
	s.stopQRTimerLocked()
	s.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	if wasConnected && s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}
	s.notify(models.StatusDisconnected, 0, nil)
}

// Cleanup permanently tears the session down: logs out from the gateway,
// releases the handle, cancels timers and deletes persisted credentials.
func (s *Session) Cleanup(ctx context.Context) error {
	client, wasConnected := s.teardown()
	if client != nil {
		if err := client.Logout(ctx); err != nil {
			s.logger.Warn("gateway logout failed", "error", err)
		}
		client.Disconnect()
	}
	if wasConnected && s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}
	return s.store.Delete(s.tenant)
}

// Close releases the session without wiping credentials. Used on process
// shutdown.
func (s *Session) Close() {
	client, wasConnected := s.teardown()
	if client != nil {
		client.Disconnect()
	}
	if wasConnected && s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}
}

// teardown marks the session closed, stops the loop and detaches the
// client. Idempotent.
func (s *Session) teardown() (gateway.Client, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false
	}
	s.closed = true
	s.gen++
	client := s.client
	s.client = nil
	wasConnected := s.connected
	s.connected = false
	s.isConnecting = false
	s.qrImage = ""
	s.pairing = nil
	s.stopQRTimerLocked()
	s.mu.Unlock()

	close(s.done)
	return client, wasConnected
}

// loop processes gateway events one at a time, in arrival order.
func (s *Session) loop() {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.events:
			s.handle(env)
		}
	}
}

func (s *Session) enqueue(gen int, evt gateway.Event) {
	select {
	case s.events <- envelope{gen: gen, evt: evt}:
	case <-s.done:
	}
}

func (s *Session) enqueueTick(gen int) {
	select {
	case s.events <- envelope{gen: gen, tick: true}:
	case <-s.done:
	}
}

func (s *Session) handle(env envelope) {
	if env.tick {
		s.handleQRTick(env.gen)
		return
	}
	switch evt := env.evt.(type) {
	case gateway.QREvent:
		s.handleQR(env.gen, evt)
	case gateway.PairingCodeEvent:
		s.handlePairingCode(env.gen, evt)
	case gateway.OpenedEvent:
		s.handleOpened(env.gen, evt)
	case gateway.ClosedEvent:
		s.handleClosed(env.gen, evt)
	case gateway.MessageEvent:
		s.handleMessage(env.gen, evt)
	}
}

func (s *Session) handleQR(gen int, evt gateway.QREvent) {
	img, err := renderQR(evt.Token)
	if err != nil {
		s.logger.Error("failed to render QR token", "error", err)
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.closed || s.connected {
		// Stale event from a superseded handle, or already authenticated.
		s.mu.Unlock()
		return
	}
	s.qrImage = img
	s.qrGeneratedAt = time.Now()
	s.pairing = nil
	s.scheduleQRTickLocked(gen)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.QRGenerated.Inc()
	}
	s.logger.Info("qr code issued, waiting for scan")
}

func (s *Session) handleQRTick(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.closed || s.connected {
		s.mu.Unlock()
		return
	}
	expired := s.qrImage != "" && time.Since(s.qrGeneratedAt) >= s.cfg.QRRefresh
	if expired {
		s.qrImage = ""
		s.qrGeneratedAt = time.Time{}
	}
	// Self-perpetuating until connected or torn down.
	s.scheduleQRTickLocked(gen)
	s.mu.Unlock()

	if expired {
		s.logger.Debug("qr code expired")
		if s.cb.OnQRExpired != nil {
			s.cb.OnQRExpired()
		}
	}
}

func (s *Session) handlePairingCode(gen int, evt gateway.PairingCodeEvent) {
	now := time.Now()
	s.mu.Lock()
	if gen != s.gen || s.closed || s.connected {
		s.mu.Unlock()
		return
	}
	s.pairing = &models.PairingCode{
		Code:        evt.Code,
		PhoneNumber: evt.PhoneNumber,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.PairingCodeTTL),
	}
	s.qrImage = ""
	s.qrGeneratedAt = time.Time{}
	s.stopQRTimerLocked()
	s.mu.Unlock()
}

func (s *Session) handleOpened(gen int, evt gateway.OpenedEvent) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = true
	s.isConnecting = false
	s.connectionAttempts = 0
	s.qrImage = ""
	s.qrGeneratedAt = time.Time{}
	s.pairing = nil
	s.stopQRTimerLocked()
	s.mu.Unlock()

	if evt.JID != "" {
		if err := s.store.Save(s.tenant, &store.Credentials{
			RegisteredJID: evt.JID,
			PairedAt:      time.Now().UTC(),
		}); err != nil {
			s.logger.Warn("failed to persist pairing metadata", "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
	}
	s.logger.Info("gateway connection established")
	s.notify(models.StatusConnected, 0, nil)
}

func (s *Session) handleClosed(gen int, evt gateway.ClosedEvent) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	wasConnected := s.connected
	s.connected = false
	s.isConnecting = false
	client := s.client
	s.client = nil
	s.qrImage = ""
	s.qrGeneratedAt = time.Time{}
	s.pairing = nil
	s.stopQRTimerLocked()
	s.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	if wasConnected && s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}

	class := gateway.ClassifyClose(evt.Code)
	if s.metrics != nil {
		s.metrics.CloseCodes.WithLabelValues(class.String()).Inc()
	}
	s.logger.Warn("gateway connection closed",
		"code", evt.Code, "reason", evt.Reason, "class", class.String())

	msg := fmt.Sprintf("connection closed (code %d: %s)", evt.Code, evt.Reason)
	switch class {
	case gateway.ClassCredentials:
		// The gateway rejected the stored credentials: wipe them so the
		// next connect starts a fresh pairing.
		if err := s.store.Delete(s.tenant); err != nil {
			s.logger.Error("failed to wipe credentials", "error", err)
		}
		s.notify(models.StatusCredentialsExpired, evt.Code,
			gateway.NewError(gateway.ErrCodeCredentialsExpired, msg, nil))
	case gateway.ClassTerminal:
		s.notify(models.StatusCriticalError, evt.Code,
			gateway.NewError(gateway.ErrCodeCritical, msg, nil))
	default:
		s.notify(models.StatusDisconnected, evt.Code, gateway.ErrConnection(msg, nil))
	}
}

func (s *Session) handleMessage(gen int, evt gateway.MessageEvent) {
	// Own echoes and group chatter never reach the gate.
	if evt.FromMe || evt.IsGroup || gateway.IsGroupChat(evt.ChatID) {
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	if _, active := s.activated[evt.ChatID]; !active {
		if strings.EqualFold(strings.TrimSpace(evt.Text), s.cfg.ActivationKeyword) {
			s.activated[evt.ChatID] = struct{}{}
			s.mu.Unlock()
			s.logger.Info("chat activated for automated triggers", "chat", evt.ChatID)
			return
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.MessagesTotal.WithLabelValues("inbound").Inc()
	}
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(models.InboundMessage{
			TenantID:  s.tenant,
			ChatID:    evt.ChatID,
			SenderID:  evt.SenderID,
			MessageID: evt.MessageID,
			Text:      evt.Text,
			Timestamp: evt.Timestamp,
		})
	}
}

// scheduleQRTickLocked arms the QR refresh timer. Caller holds s.mu.
func (s *Session) scheduleQRTickLocked(gen int) {
	if s.qrTimer != nil {
		s.qrTimer.Stop()
	}
	s.qrTimer = time.AfterFunc(s.cfg.QRRefresh, func() {
		s.enqueueTick(gen)
	})
}

// stopQRTimerLocked cancels the QR refresh timer. Caller holds s.mu.
func (s *Session) stopQRTimerLocked() {
	if s.qrTimer != nil {
		s.qrTimer.Stop()
		s.qrTimer = nil
	}
}

func (s *Session) liveClient() (gateway.Client, error) {
	s.mu.Lock()
	client := s.client
	connected := s.connected
	s.mu.Unlock()
	if !connected || client == nil {
		return nil, gateway.ErrNotConnected("no live gateway connection")
	}
	return client, nil
}

// connectFailed reports a failed dial. The transient close code keeps dial
// failures on the same backoff path as transport-connect failures.
func (s *Session) connectFailed(err error) {
	s.mu.Lock()
	s.isConnecting = false
	s.mu.Unlock()
	s.observeConnect("error")
	s.logger.Error("connect failed", "error", err)
	s.notify(models.StatusDisconnected, gateway.CodeConnectionLost, err)
}

func (s *Session) notify(status models.Status, closeCode int, err error) {
	if s.cb.OnStatus != nil {
		s.cb.OnStatus(status, closeCode, err)
	}
}

func (s *Session) observeConnect(outcome string) {
	if s.metrics != nil {
		s.metrics.ConnectAttempts.WithLabelValues(outcome).Inc()
	}
}

func (s *Session) observeSend(start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		s.metrics.MessagesTotal.WithLabelValues("outbound").Inc()
	}
}
