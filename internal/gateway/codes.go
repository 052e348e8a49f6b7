package gateway

// Stream close codes used by the gateway. The numeric values follow the
// WhatsApp Web stream error codes.
const (
	CodeLoggedOut           = 401
	CodeForbidden           = 403
	CodeNotFound            = 404
	CodeConnectionLost      = 408
	CodeMultideviceMismatch = 411
	CodeConnectionClosed    = 428
	CodeConnectionReplaced  = 440
	CodeInternalError       = 500
	CodeServiceUnavailable  = 503
	CodeRestartRequired     = 515
)

// CloseClass buckets a close code into the action it demands.
type CloseClass int

const (
	// ClassTransient closes are eligible for scheduled, backed-off
	// reconnection.
	ClassTransient CloseClass = iota

	// ClassCredentials closes mean the stored credentials are invalid.
	// Local credentials must be wiped and a fresh pairing requested; no
	// automatic reconnect.
	ClassCredentials

	// ClassTerminal closes are non-recoverable. No reconnect is scheduled.
	ClassTerminal
)

func (c CloseClass) String() string {
	switch c {
	case ClassCredentials:
		return "credentials"
	case ClassTerminal:
		return "terminal"
	default:
		return "transient"
	}
}

// ClassifyClose maps a stream close code to its class. 401 invalidates
// credentials; 403, 404 and 500-503 are terminal; everything else,
// including connection-lost (408), replaced (440) and restart-required
// (515), is transient.
func ClassifyClose(code int) CloseClass {
	switch {
	case code == CodeLoggedOut:
		return ClassCredentials
	case code == CodeForbidden, code == CodeNotFound:
		return ClassTerminal
	case code >= 500 && code <= 503:
		return ClassTerminal
	default:
		return ClassTransient
	}
}
