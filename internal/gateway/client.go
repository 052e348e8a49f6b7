package gateway

import (
	"context"

	"github.com/schedulink/wagateway/pkg/models"
)

// Handler receives normalized events from a gateway connection. Handlers
// must not block; heavy work belongs on the consumer's own goroutine.
type Handler func(Event)

// Client is one live gateway connection for one tenant. A Client is owned
// exclusively by its session and replaced wholesale on reconnect; a
// superseded Client is released, never mutated.
type Client interface {
	// Connect opens the connection. If no credentials exist the gateway
	// emits QR events through the registered handler; the call itself
	// returns as soon as the transport is up.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases the handle. Safe to
	// call more than once.
	Disconnect()

	// Logout invalidates the device registration with the gateway. Used
	// for permanent teardown, not transient disconnects.
	Logout(ctx context.Context) error

	// IsConnected reports whether the transport is currently up.
	IsConnected() bool

	// IsLoggedIn reports whether the stored credentials are registered
	// with the gateway.
	IsLoggedIn() bool

	// PairPhone requests a numeric pairing code for the given phone
	// number, as the alternative to QR authentication.
	PairPhone(ctx context.Context, phoneNumber string) (string, error)

	// SendText sends a text message and returns the gateway message ID.
	SendText(ctx context.Context, chatID, text string) (string, error)

	// SendMedia sends a media message with an optional caption.
	SendMedia(ctx context.Context, chatID string, media models.Media, caption string) (string, error)
}

// Dialer produces a Client bound to a tenant's credential directory. The
// real implementation wraps the external client library; tests inject a
// fake.
type Dialer interface {
	Dial(ctx context.Context, tenant models.TenantID, credDir string, handler Handler) (Client, error)
}
