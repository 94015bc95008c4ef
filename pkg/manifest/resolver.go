// Package manifest turns a source locator into the concrete list of parquet
// URLs a playback session will read. A locator is either one direct file URL
// or a glob whose prefix hosts a manifest.json naming the files.
//
// Every resolved URL carries a session cache-bust token. The token is stable
// within one session so the network layer can still cache repeated range
// reads, and it changes on every re-initialisation so a CDN cannot serve a
// partial file it cached from a previous session.
package manifest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// FileSuffix is the only file kind a manifest may list.
const FileSuffix = ".parquet"

// sessionParam is the query key carrying the cache-bust token.
const sessionParam = "session"

// Error is fatal: without a file list there is nothing to play.
type Error struct {
	Locator string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("manifest: %s: %s", e.Locator, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Resolved is the outcome of one resolution: the fetchable URLs, all stamped
// with the same session token.
type Resolved struct {
	URLs  []string
	Token string
}

// Resolver fetches and interprets manifests. The zero value is not usable;
// construct with New. Logf is optional.
type Resolver struct {
	client   *http.Client
	logf     func(string, ...any)
	newToken func() string
}

// New builds a Resolver around the given client. A nil client falls back to
// http.DefaultClient so tests and callers with no special transport needs
// stay short.
func New(client *http.Client, logf func(string, ...any)) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Resolver{client: client, logf: logf, newToken: randomToken}
}

// Resolve expands the locator into fetchable file URLs. A locator without a
// wildcard resolves to exactly one URL; a wildcard locator is resolved
// through manifest.json at the prefix before the wildcard.
func (r *Resolver) Resolve(ctx context.Context, locator string) (Resolved, error) {
	token := r.newToken()

	star := strings.IndexByte(locator, '*')
	if star < 0 {
		stamped, err := stampToken(locator, token)
		if err != nil {
			return Resolved{}, &Error{Locator: locator, Reason: "bad direct url", Err: err}
		}
		return Resolved{URLs: []string{stamped}, Token: token}, nil
	}

	prefix := locator[:star]
	names, err := r.fetchManifest(ctx, prefix, token)
	if err != nil {
		return Resolved{}, err
	}

	urls := make([]string, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, FileSuffix) {
			r.logf("manifest: ignoring %q, not a %s file", name, FileSuffix)
			continue
		}
		resolved, err := resolveName(prefix, name)
		if err != nil {
			r.logf("manifest: ignoring %q: %v", name, err)
			continue
		}
		stamped, err := stampToken(resolved, token)
		if err != nil {
			r.logf("manifest: ignoring %q: %v", name, err)
			continue
		}
		urls = append(urls, stamped)
	}
	if len(urls) == 0 {
		return Resolved{}, &Error{Locator: locator, Reason: "manifest lists no usable parquet files"}
	}
	return Resolved{URLs: urls, Token: token}, nil
}

// fetchManifest downloads and decodes manifest.json at the prefix. The
// manifest request itself is never cached: it is the one document that must
// reflect what the producer finished writing a minute ago.
func (r *Resolver) fetchManifest(ctx context.Context, prefix, token string) ([]string, error) {
	manifestURL, err := stampToken(prefix+"manifest.json", token)
	if err != nil {
		return nil, &Error{Locator: prefix, Reason: "bad manifest url", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, &Error{Locator: prefix, Reason: "build manifest request", Err: err}
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &Error{Locator: prefix, Reason: "fetch manifest.json", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Locator: prefix, Reason: fmt.Sprintf("manifest.json returned status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &Error{Locator: prefix, Reason: "read manifest.json", Err: err}
	}

	var doc struct {
		ParquetFiles []string `json:"parquet_files"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &Error{Locator: prefix, Reason: "parse manifest.json", Err: err}
	}
	if len(doc.ParquetFiles) == 0 {
		return nil, &Error{Locator: prefix, Reason: "manifest.json has no parquet_files"}
	}
	return doc.ParquetFiles, nil
}

// resolveName joins a manifest entry against the prefix, allowing entries
// that are already absolute URLs.
func resolveName(prefix, name string) (string, error) {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return name, nil
	}
	base, err := url.Parse(prefix)
	if err != nil {
		return "", fmt.Errorf("parse prefix: %w", err)
	}
	rel, err := url.Parse(name)
	if err != nil {
		return "", fmt.Errorf("parse entry: %w", err)
	}
	return base.ResolveReference(rel).String(), nil
}

// stampToken appends the session token to the URL's query, keeping whatever
// query the URL already carried.
func stampToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(sessionParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// randomToken draws 8 random bytes. Collisions across sessions would only
// cost a cache miss, so short is fine.
func randomToken() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "fallback"
	}
	return hex.EncodeToString(b[:])
}
