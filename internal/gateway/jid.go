package gateway

import (
	"strings"
)

// Gateway addressing servers.
const (
	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"
)

// NormalizeChatID turns a raw identifier into the gateway's addressing
// form. It accepts either a bare phone-number style identifier or an
// already-qualified address.
func NormalizeChatID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrInvalidRecipient("empty chat identifier", nil)
	}

	if at := strings.IndexByte(id, '@'); at >= 0 {
		user, server := id[:at], id[at+1:]
		if user == "" || server == "" {
			return "", ErrInvalidRecipient("malformed chat address "+raw, nil)
		}
		return id, nil
	}

	id = strings.TrimPrefix(id, "+")
	id = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, id)
	if id == "" {
		return "", ErrInvalidRecipient("empty chat identifier", nil)
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", ErrInvalidRecipient("chat identifier is neither an address nor a number: "+raw, nil)
		}
	}
	return id + "@" + UserServer, nil
}

// IsGroupChat reports whether the address refers to a group conversation.
func IsGroupChat(chatID string) bool {
	return strings.HasSuffix(chatID, "@"+GroupServer)
}
