package gateway

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// maxMediaBytes caps media payloads fetched for outbound sends.
const maxMediaBytes = 16 * 1024 * 1024

// downloadURL fetches media for an outbound send. It accepts data URLs,
// local file paths (with or without file://), and http(s) URLs.
func downloadURL(url string) ([]byte, error) {
	raw := strings.TrimSpace(url)
	if raw == "" {
		return nil, ErrInvalidRecipient("missing media url", nil)
	}

	if strings.HasPrefix(raw, "data:") {
		return decodeDataURL(raw)
	}

	path := strings.TrimPrefix(raw, "file://")
	if !strings.Contains(path, "://") {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			if info.Size() > maxMediaBytes {
				return nil, ErrConnection(fmt.Sprintf("media too large (%d bytes)", info.Size()), nil)
			}
			return os.ReadFile(path)
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(raw)
	if err != nil {
		return nil, ErrConnection("media download failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrConnection(fmt.Sprintf("media download: unexpected status %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxMediaBytes {
		return nil, ErrConnection(fmt.Sprintf("media too large (%d bytes)", len(data)), nil)
	}
	return data, nil
}

func decodeDataURL(raw string) ([]byte, error) {
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidRecipient("invalid data url", nil)
	}

	meta := strings.TrimPrefix(parts[0], "data:")
	encoded := false
	for _, seg := range strings.Split(meta, ";") {
		if strings.EqualFold(strings.TrimSpace(seg), "base64") {
			encoded = true
			break
		}
	}
	if !encoded {
		return nil, ErrInvalidRecipient("data url must be base64 encoded", nil)
	}

	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidRecipient("decode data url", err)
	}
	return decoded, nil
}
