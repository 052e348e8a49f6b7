package models

import "time"

// TenantID identifies one tenant. Each tenant owns exactly one gateway
// session; the ID is the key for every per-tenant structure in the process.
type TenantID string

func (t TenantID) String() string {
	return string(t)
}

// Status represents the connection lifecycle state of a tenant session.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusConnecting         Status = "connecting"
	StatusConnected          Status = "connected"
	StatusDisconnected       Status = "disconnected"
	StatusCredentialsExpired Status = "credentials_expired"
	StatusCriticalError      Status = "critical_error"
)

// Terminal reports whether the status blocks automatic reconnection.
// Leaving a terminal status requires an explicit reset from the caller.
func (s Status) Terminal() bool {
	return s == StatusCredentialsExpired || s == StatusCriticalError
}

// PairingCode holds a numeric device-pairing code issued by the gateway.
// It is the alternative to QR authentication; the two never coexist within
// a single connect attempt.
type PairingCode struct {
	Code        string    `json:"code"`
	PhoneNumber string    `json:"phone_number"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its expiry at the given instant.
func (p PairingCode) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// StatusSnapshot is a point-in-time read of a tenant's connection state,
// suitable for dashboard polling. QRImage and PairingCode are only present
// while unexpired.
type StatusSnapshot struct {
	TenantID           TenantID     `json:"tenant_id"`
	Status             Status       `json:"status"`
	Connected          bool         `json:"connected"`
	QRImage            string       `json:"qr_image,omitempty"`
	PairingCode        *PairingCode `json:"pairing_code,omitempty"`
	RetryCount         int          `json:"retry_count"`
	ConnectionAttempts int          `json:"connection_attempts"`
	LastError          string       `json:"last_error,omitempty"`
	LastAttemptAt      time.Time    `json:"last_attempt_at,omitzero"`
	LastSuccessAt      time.Time    `json:"last_success_at,omitzero"`
}

// StatusChange is a push notification emitted whenever a tenant's status
// transitions.
type StatusChange struct {
	TenantID TenantID  `json:"tenant_id"`
	Status   Status    `json:"status"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
