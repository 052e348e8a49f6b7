package session

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// renderQR turns a pairing token into a PNG data URI suitable for
// embedding in a status response or web page.
func renderQR(token string) (string, error) {
	png, err := qrcode.Encode(token, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
