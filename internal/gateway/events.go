// Package gateway defines the internal event vocabulary and client
// contracts for the external messaging gateway, plus the one facade that
// talks to the real client library. Everything above this package consumes
// the normalized Event union and never sees the library's API surface.
package gateway

import "time"

// Event is the closed set of normalized gateway events. The facade
// translates raw library callbacks into exactly these shapes.
type Event interface {
	event()
}

// QREvent carries a fresh QR pairing token.
type QREvent struct {
	Token string
}

// PairingCodeEvent carries a numeric pairing code for phone-number linking.
type PairingCodeEvent struct {
	Code        string
	PhoneNumber string
}

// OpenedEvent signals the connection is established and authenticated.
type OpenedEvent struct {
	JID string
}

// ClosedEvent signals the connection closed with a gateway stream code.
type ClosedEvent struct {
	Code   int
	Reason string
}

// MessageEvent is a raw inbound message prior to the activation gate.
type MessageEvent struct {
	MessageID string
	ChatID    string
	SenderID  string
	Text      string
	FromMe    bool
	IsGroup   bool
	Timestamp time.Time
}

func (QREvent) event()          {}
func (PairingCodeEvent) event() {}
func (OpenedEvent) event()      {}
func (ClosedEvent) event()      {}
func (MessageEvent) event()     {}
