// Package manager is the tenant-facing surface of the gateway. It owns the
// session map, wires each session's lifecycle into the registry's reconnect
// machinery and merges both views into status snapshots.
package manager

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/schedulink/wagateway/internal/gateway"
	"github.com/schedulink/wagateway/internal/observability"
	"github.com/schedulink/wagateway/internal/registry"
	"github.com/schedulink/wagateway/internal/session"
	"github.com/schedulink/wagateway/internal/store"
	"github.com/schedulink/wagateway/pkg/models"
)

// Manager coordinates all tenant sessions.
type Manager struct {
	cfg       session.Config
	store     *store.Store
	dialer    gateway.Dialer
	registry  *registry.Registry
	logger    *slog.Logger
	metrics   *observability.Metrics
	onMessage session.MessageFunc

	mu       sync.Mutex
	sessions map[models.TenantID]*session.Session
}

// New creates a manager. onMessage receives inbound messages from activated
// chats across all tenants and may be nil; metrics may be nil.
func New(cfg session.Config, st *store.Store, dialer gateway.Dialer, reg *registry.Registry,
	logger *slog.Logger, metrics *observability.Metrics, onMessage session.MessageFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		dialer:    dialer,
		registry:  reg,
		logger:    logger,
		metrics:   metrics,
		onMessage: onMessage,
		sessions:  make(map[models.TenantID]*session.Session),
	}
}

// Start begins the registry's health sweep.
func (m *Manager) Start() error {
	return m.registry.StartSweeper()
}

// Connect opens a gateway connection for the tenant, creating the session
// on first use. A tenant parked in a terminal state gets a fresh session
// and clean counters rather than a revived one.
func (m *Manager) Connect(ctx context.Context, tenant models.TenantID) error {
	if view, ok := m.registry.Get(tenant); ok && view.Status.Terminal() {
		m.logger.Info("recreating session parked in terminal state",
			"tenant", tenant, "status", view.Status)
		m.mu.Lock()
		old := m.sessions[tenant]
		delete(m.sessions, tenant)
		m.mu.Unlock()
		if old != nil {
			old.Close()
		}
		m.registry.Reset(tenant)
	}
	sess := m.sessionFor(tenant)
	return sess.Connect(ctx)
}

// Disconnect deliberately releases the tenant's connection. Credentials are
// kept and no reconnect is scheduled.
func (m *Manager) Disconnect(tenant models.TenantID) error {
	sess, err := m.session(tenant)
	if err != nil {
		return err
	}
	sess.Disconnect()
	return nil
}

// SendText sends a text message from the tenant's account.
func (m *Manager) SendText(ctx context.Context, tenant models.TenantID, chatID, text string) (string, error) {
	sess, err := m.session(tenant)
	if err != nil {
		return "", err
	}
	return sess.SendText(ctx, chatID, text)
}

// SendMedia sends a media message from the tenant's account.
func (m *Manager) SendMedia(ctx context.Context, tenant models.TenantID, chatID string, media models.Media, caption string) (string, error) {
	sess, err := m.session(tenant)
	if err != nil {
		return "", err
	}
	return sess.SendMedia(ctx, chatID, media, caption)
}

// RequestPairingCode asks for a phone-number pairing code instead of a QR
// scan for the tenant's in-flight connect.
func (m *Manager) RequestPairingCode(ctx context.Context, tenant models.TenantID, phoneNumber string) (string, error) {
	sess, err := m.session(tenant)
	if err != nil {
		return "", err
	}
	return sess.RequestPairingCode(ctx, phoneNumber)
}

// GetStatus merges the session's live view with the registry's retry state
// into one snapshot.
func (m *Manager) GetStatus(tenant models.TenantID) (models.StatusSnapshot, error) {
	sess, err := m.session(tenant)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	return m.merge(sess.Status()), nil
}

// GetAllStatus returns snapshots for every known tenant, ordered by ID.
func (m *Manager) GetAllStatus() []models.StatusSnapshot {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	snaps := make([]models.StatusSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, m.merge(sess.Status()))
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].TenantID < snaps[j].TenantID })
	return snaps
}

// Notifications exposes the registry's status-change stream.
func (m *Manager) Notifications() <-chan models.StatusChange {
	return m.registry.Notifications()
}

// Cleanup permanently removes a tenant: gateway logout, credential wipe and
// record removal.
func (m *Manager) Cleanup(ctx context.Context, tenant models.TenantID) error {
	m.mu.Lock()
	sess, ok := m.sessions[tenant]
	delete(m.sessions, tenant)
	m.mu.Unlock()

	m.registry.Cleanup(tenant)
	if !ok {
		return gateway.ErrTenantNotFound("no session for tenant " + string(tenant))
	}
	return sess.Cleanup(ctx)
}

// CleanupAll removes every tenant.
func (m *Manager) CleanupAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make(map[models.TenantID]*session.Session, len(m.sessions))
	for tenant, sess := range m.sessions {
		sessions[tenant] = sess
		delete(m.sessions, tenant)
	}
	m.mu.Unlock()

	m.registry.CleanupAll()

	var firstErr error
	for tenant, sess := range sessions {
		if err := sess.Cleanup(ctx); err != nil && firstErr == nil {
			firstErr = err
			m.logger.Error("tenant cleanup failed", "tenant", tenant, "error", err)
		}
	}
	return firstErr
}

// Shutdown releases all sessions without wiping credentials, so tenants
// resume on the next start.
func (m *Manager) Shutdown(ctx context.Context) {
	m.registry.Stop()

	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for tenant, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, tenant)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	m.logger.Info("all sessions released", "count", len(sessions))
}

// session returns the tenant's session or TENANT_NOT_FOUND.
func (m *Manager) session(tenant models.TenantID) (*session.Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[tenant]
	m.mu.Unlock()
	if !ok {
		return nil, gateway.ErrTenantNotFound("no session for tenant " + string(tenant))
	}
	return sess, nil
}

// sessionFor returns the tenant's session, creating and registering one if
// needed.
func (m *Manager) sessionFor(tenant models.TenantID) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[tenant]; ok {
		return sess
	}
	sess := session.New(tenant, m.cfg, m.store, m.dialer, m.logger, m.metrics, session.Callbacks{
		OnStatus:  m.statusFunc(tenant),
		OnMessage: m.onMessage,
		OnQRExpired: func() {
			m.logger.Info("qr code expired, waiting for a fresh one", "tenant", tenant)
		},
	})
	m.sessions[tenant] = sess
	m.registry.Register(tenant, sess)
	return sess
}

// statusFunc routes a session's lifecycle transitions into the registry.
// closeCode 0 marks a deliberate transition, which never schedules a
// reconnect.
func (m *Manager) statusFunc(tenant models.TenantID) session.StatusFunc {
	return func(status models.Status, closeCode int, err error) {
		m.registry.UpdateStatus(tenant, status, err)
		if status == models.StatusDisconnected && closeCode != 0 {
			m.registry.ScheduleReconnect(tenant, closeCode)
		}
	}
}

// merge overlays the registry's retry state onto a session snapshot. The
// registry's view wins for terminal and disconnected states since it holds
// the reconnect bookkeeping.
func (m *Manager) merge(snap models.StatusSnapshot) models.StatusSnapshot {
	view, ok := m.registry.Get(snap.TenantID)
	if !ok {
		return snap
	}
	snap.RetryCount = view.RetryCount
	snap.LastError = view.LastError
	snap.LastAttemptAt = view.LastAttemptAt
	snap.LastSuccessAt = view.LastSuccessAt
	if view.Status.Terminal() {
		snap.Status = view.Status
	} else if snap.Status == models.StatusIdle && view.Status == models.StatusDisconnected {
		snap.Status = view.Status
	}
	return snap
}
