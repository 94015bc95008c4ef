// Package qrshare renders QR codes for playback deep links, so a position
// found on one screen can be opened on a phone by pointing the camera at
// the browser.
package qrshare

import (
	"fmt"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"
)

// maxPNGSize keeps generated images reasonable for inline display.
const maxPNGSize = 1024

// Link builds the shareable URL for a playback position.
func Link(base string, timeMs int64, speed float64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("qrshare: bad base url: %w", err)
	}
	q := u.Query()
	q.Set("t", fmt.Sprintf("%d", timeMs))
	if speed > 0 && speed != 1 {
		q.Set("speed", fmt.Sprintf("%g", speed))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PNG encodes the link as a QR PNG of the requested pixel size.
func PNG(link string, size int) ([]byte, error) {
	if size <= 0 || size > maxPNGSize {
		size = 512
	}
	png, err := qrcode.Encode(link, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("qrshare: encode %q: %w", link, err)
	}
	return png, nil
}
