// Package registry tracks per-tenant connection state and drives automatic
// reconnection with exponential backoff. It owns the retry counters and the
// reconnect timers; sessions own the connections themselves.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/schedulink/wagateway/internal/gateway"
	"github.com/schedulink/wagateway/internal/observability"
	"github.com/schedulink/wagateway/internal/retry"
	"github.com/schedulink/wagateway/pkg/models"
)

// maxErrorHistory bounds the per-tenant error ring.
const maxErrorHistory = 10

// connectTimeout bounds a scheduled reconnect attempt.
const connectTimeout = 2 * time.Minute

// Session is the slice of a tenant session the registry drives.
type Session interface {
	Connect(ctx context.Context) error
	IsConnected() bool
}

// Config controls retry and sweep behavior.
type Config struct {
	// MaxRetries is the scheduled-reconnect ceiling. Once exhausted the
	// tenant parks in critical_error until an explicit reset.
	MaxRetries int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// SweepSpec is the cron spec for the health sweep.
	SweepSpec string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  5 * time.Second,
		MaxDelay:   300 * time.Second,
		SweepSpec:  "@every 30s",
	}
}

// View is a read-only copy of a tenant's registry record.
type View struct {
	TenantID      models.TenantID `json:"tenant_id"`
	Status        models.Status   `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	ErrorHistory  []string        `json:"error_history,omitempty"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitzero"`
	LastSuccessAt time.Time       `json:"last_success_at,omitzero"`
}

type record struct {
	tenant        models.TenantID
	session       Session
	status        models.Status
	retryCount    int
	lastError     string
	errorHistory  []string
	lastAttemptAt time.Time
	lastSuccessAt time.Time
	timer         *time.Timer
}

// Registry tracks connection records for all tenants.
type Registry struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	records map[models.TenantID]*record

	sweeper       *cron.Cron
	notifications chan models.StatusChange
}

// New creates a registry. metrics may be nil.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = def.SweepSpec
	}
	return &Registry{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		records:       make(map[models.TenantID]*record),
		notifications: make(chan models.StatusChange, 100),
	}
}

// StartSweeper begins the periodic health sweep.
func (r *Registry) StartSweeper() error {
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.SweepSpec, r.Sweep); err != nil {
		return err
	}
	c.Start()
	r.mu.Lock()
	r.sweeper = c
	r.mu.Unlock()
	return nil
}

// Stop halts the sweeper and cancels all pending reconnect timers. Records
// are kept; use Cleanup to drop them.
func (r *Registry) Stop() {
	r.mu.Lock()
	sweeper := r.sweeper
	r.sweeper = nil
	for _, rec := range r.records {
		rec.stopTimer()
	}
	r.mu.Unlock()

	if sweeper != nil {
		ctx := sweeper.Stop()
		<-ctx.Done()
	}
}

// Notifications exposes the status-change stream. Changes are dropped, not
// blocked on, when the consumer lags.
func (r *Registry) Notifications() <-chan models.StatusChange {
	return r.notifications
}

// Register adds or replaces a tenant record in the connecting state, since
// registration happens on the way into a connect.
func (r *Registry) Register(tenant models.TenantID, sess Session) {
	r.mu.Lock()
	if old, ok := r.records[tenant]; ok {
		old.stopTimer()
	}
	r.records[tenant] = &record{
		tenant:  tenant,
		session: sess,
		status:  models.StatusConnecting,
	}
	r.mu.Unlock()
}

// UpdateStatus records a tenant's new status. A connected transition resets
// the retry counter; errors land in the bounded history.
func (r *Registry) UpdateStatus(tenant models.TenantID, status models.Status, err error) {
	now := time.Now()

	r.mu.Lock()
	rec, ok := r.records[tenant]
	if !ok {
		r.mu.Unlock()
		return
	}
	changed := rec.status != status
	rec.status = status
	var errMsg string
	if err != nil {
		errMsg = err.Error()
	}
	switch status {
	case models.StatusConnected:
		rec.retryCount = 0
		rec.lastError = ""
		rec.lastSuccessAt = now
		rec.stopTimer()
	case models.StatusConnecting:
		rec.lastAttemptAt = now
	}
	if err != nil {
		rec.lastError = err.Error()
		rec.errorHistory = append(rec.errorHistory, err.Error())
		if len(rec.errorHistory) > maxErrorHistory {
			rec.errorHistory = rec.errorHistory[len(rec.errorHistory)-maxErrorHistory:]
		}
	}
	r.mu.Unlock()

	if !changed {
		return
	}
	if r.metrics != nil {
		r.metrics.StatusTransitions.WithLabelValues(string(status)).Inc()
	}
	r.publish(models.StatusChange{
		TenantID: tenant,
		Status:   status,
		Error:    errMsg,
		At:       now,
	})
}

// ShouldReconnect reports whether a close with the given code is eligible
// for a scheduled reconnect.
func (r *Registry) ShouldReconnect(tenant models.TenantID, closeCode int) bool {
	if gateway.ClassifyClose(closeCode) != gateway.ClassTransient {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tenant]
	if !ok {
		return false
	}
	// A live connection never qualifies; neither does a parked tenant.
	return rec.status != models.StatusConnected &&
		!rec.status.Terminal() &&
		rec.retryCount < r.cfg.MaxRetries
}

// ScheduleReconnect arms a backoff timer for the tenant. When the retry
// ceiling is reached the tenant transitions to critical_error instead and
// no timer is armed.
func (r *Registry) ScheduleReconnect(tenant models.TenantID, closeCode int) {
	if gateway.ClassifyClose(closeCode) != gateway.ClassTransient {
		return
	}

	r.mu.Lock()
	rec, ok := r.records[tenant]
	if !ok || rec.status.Terminal() || rec.status == models.StatusConnected {
		r.mu.Unlock()
		return
	}
	rec.retryCount++
	if rec.retryCount >= r.cfg.MaxRetries {
		rec.status = models.StatusCriticalError
		rec.lastError = gateway.NewError(gateway.ErrCodeMaxRetries,
			"reconnect attempts exhausted", nil).Error()
		rec.stopTimer()
		r.mu.Unlock()

		r.logger.Error("reconnect attempts exhausted, tenant parked",
			"tenant", tenant, "retries", r.cfg.MaxRetries)
		if r.metrics != nil {
			r.metrics.StatusTransitions.WithLabelValues(string(models.StatusCriticalError)).Inc()
		}
		r.publish(models.StatusChange{
			TenantID: tenant,
			Status:   models.StatusCriticalError,
			Error:    "reconnect attempts exhausted",
			At:       time.Now(),
		})
		return
	}

	delay := retry.Backoff(rec.retryCount, r.cfg.BaseDelay, r.cfg.MaxDelay)
	rec.stopTimer()
	rec.timer = time.AfterFunc(delay, func() {
		r.fireReconnect(tenant)
	})
	attempt := rec.retryCount
	r.mu.Unlock()

	r.logger.Info("reconnect scheduled",
		"tenant", tenant, "attempt", attempt, "delay", delay)
	if r.metrics != nil {
		r.metrics.ReconnectsScheduled.Inc()
	}
}

// fireReconnect runs when a backoff timer expires. The record is re-checked
// under the lock so a timer that outlived its record is a no-op.
func (r *Registry) fireReconnect(tenant models.TenantID) {
	r.mu.Lock()
	rec, ok := r.records[tenant]
	if !ok || rec.status.Terminal() || rec.status == models.StatusConnected {
		r.mu.Unlock()
		return
	}
	rec.timer = nil
	rec.lastAttemptAt = time.Now()
	sess := rec.session
	attempt := rec.retryCount
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	r.logger.Info("reconnect attempt firing", "tenant", tenant, "attempt", attempt)
	if err := sess.Connect(ctx); err != nil {
		r.logger.Warn("reconnect attempt failed", "tenant", tenant, "error", err)
	}
}

// Sweep checks every tenant believed connected against its live handle and
// schedules a reconnect for any silent loss it finds.
func (r *Registry) Sweep() {
	r.mu.Lock()
	type probe struct {
		tenant models.TenantID
		sess   Session
	}
	var probes []probe
	for _, rec := range r.records {
		if rec.status == models.StatusConnected {
			probes = append(probes, probe{tenant: rec.tenant, sess: rec.session})
		}
	}
	r.mu.Unlock()

	for _, p := range probes {
		if p.sess.IsConnected() {
			continue
		}
		r.logger.Warn("health sweep found silent connection loss", "tenant", p.tenant)
		r.UpdateStatus(p.tenant, models.StatusDisconnected,
			gateway.ErrConnection("connection lost without a close event", nil))
		r.ScheduleReconnect(p.tenant, gateway.CodeConnectionLost)
	}
}

// Reset returns a tenant to idle with a clean retry counter. Used to recover
// a tenant parked in a terminal state.
func (r *Registry) Reset(tenant models.TenantID) {
	r.mu.Lock()
	rec, ok := r.records[tenant]
	if ok {
		rec.stopTimer()
		rec.status = models.StatusIdle
		rec.retryCount = 0
		rec.lastError = ""
	}
	r.mu.Unlock()
}

// Get returns a copy of the tenant's record.
func (r *Registry) Get(tenant models.TenantID) (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tenant]
	if !ok {
		return View{}, false
	}
	return rec.view(), true
}

// Snapshot returns copies of every record.
func (r *Registry) Snapshot() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	views := make([]View, 0, len(r.records))
	for _, rec := range r.records {
		views = append(views, rec.view())
	}
	return views
}

// Cleanup drops a tenant's record and cancels its pending timer.
func (r *Registry) Cleanup(tenant models.TenantID) {
	r.mu.Lock()
	if rec, ok := r.records[tenant]; ok {
		rec.stopTimer()
		delete(r.records, tenant)
	}
	r.mu.Unlock()
}

// CleanupAll drops every record.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	for tenant, rec := range r.records {
		rec.stopTimer()
		delete(r.records, tenant)
	}
	r.mu.Unlock()
}

func (r *Registry) publish(change models.StatusChange) {
	select {
	case r.notifications <- change:
	default:
		r.logger.Warn("status notification dropped, consumer lagging",
			"tenant", change.TenantID, "status", change.Status)
	}
}

func (rec *record) stopTimer() {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
}

func (rec *record) view() View {
	history := make([]string, len(rec.errorHistory))
	copy(history, rec.errorHistory)
	return View{
		TenantID:      rec.tenant,
		Status:        rec.status,
		RetryCount:    rec.retryCount,
		LastError:     rec.lastError,
		ErrorHistory:  history,
		LastAttemptAt: rec.lastAttemptAt,
		LastSuccessAt: rec.lastSuccessAt,
	}
}
