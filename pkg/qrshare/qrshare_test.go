package qrshare

import (
	"bytes"
	"net/url"
	"testing"
)

func TestLink(t *testing.T) {
	t.Parallel()

	link, err := Link("https://play.example.com/", 1_700_000_000_000, 8)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Query().Get("t") != "1700000000000" {
		t.Fatalf("t=%q", u.Query().Get("t"))
	}
	if u.Query().Get("speed") != "8" {
		t.Fatalf("speed=%q", u.Query().Get("speed"))
	}

	// Default speed stays out of the link to keep QR payloads short.
	link, err = Link("https://play.example.com/", 42, 1)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	u, _ = url.Parse(link)
	if u.Query().Get("speed") != "" {
		t.Fatalf("speed param present for 1x: %q", link)
	}
}

func TestPNG(t *testing.T) {
	t.Parallel()

	png, err := PNG("https://play.example.com/?t=42", 256)
	if err != nil {
		t.Fatalf("PNG: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatalf("output is not a PNG, first bytes %q", png[:8])
	}
}
