// Package health probes remote parquet files for structural soundness
// without downloading them. Producers write these files out-of-band and a
// CDN may expose a file mid-upload, so every session checks each candidate:
// a length that can hold the footer, and the "PAR1" magic at both ends,
// read through two 4-byte range requests.
//
// The check is a pure function of its input plus callbacks: it mutates no
// global state, so callers can run it against any URL list at any time.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
)

const (
	parquetMagic = "PAR1"

	// Leading magic, footer length, trailing magic. Anything shorter
	// cannot be a parquet file no matter what its bytes say.
	defaultMinFooter = 12

	// Progress cadence for the quiet case. Failures always report.
	progressEvery = 10
)

// Report is one progress callback payload. Checked counts completed probes
// regardless of outcome; LastSkipped names the most recent failure so an
// operator can go look at that exact file.
type Report struct {
	Phase       string
	Total       int
	Checked     int
	Usable      int
	Skipped     int
	LastSkipped string
}

// Validator holds the knobs for a validation pass. The zero value works;
// nil callbacks are replaced with no-ops.
type Validator struct {
	Client    *http.Client
	Logf      func(string, ...any)
	Progress  func(Report)
	MinFooter int64
}

// outcome travels from a worker back to the collector.
type outcome struct {
	index int
	url   string
	ok    bool
	err   error
}

// Check probes every URL and splits the list into usable and skipped. The
// worker count follows the list size, between 2 and 6, so a handful of
// files does not spawn an idle pool and a thousand files do not open a
// thousand sockets.
func (v *Validator) Check(ctx context.Context, urls []string) (usable, skipped []string) {
	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	logf := v.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	progress := v.Progress
	if progress == nil {
		progress = func(Report) {}
	}
	minFooter := v.MinFooter
	if minFooter <= 0 {
		minFooter = defaultMinFooter
	}

	total := len(urls)
	if total == 0 {
		return nil, nil
	}

	plog := newProbeLog(logf)
	defer plog.Close()

	workers := clamp(total/80, 2, 6)
	if workers > total {
		workers = total
	}

	// Shared cursor: workers pull the next index from one channel instead
	// of getting a pre-sliced share, so a slow file never strands a worker
	// while others sit idle.
	jobs := make(chan int)
	results := make(chan outcome)

	go func() {
		defer close(jobs)
		for i := range urls {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
	}()

	for w := 0; w < workers; w++ {
		go func() {
			for i := range jobs {
				u := urls[i]
				err := v.checkOnce(ctx, client, plog, u, minFooter)
				if err != nil {
					// One retry for the whole check: transient CDN
					// hiccups are common right after upload.
					plog.Append(u, fmt.Sprintf("health: retrying %s after: %v", shortName(u), err))
					err = v.checkOnce(ctx, client, plog, u, minFooter)
				}
				select {
				case <-ctx.Done():
					return
				case results <- outcome{index: i, url: u, ok: err == nil, err: err}:
				}
			}
		}()
	}

	rep := Report{Phase: "validating", Total: total}
	usable = make([]string, 0, total)
	skipped = make([]string, 0)

	for done := 0; done < total; done++ {
		select {
		case <-ctx.Done():
			return usable, skipped
		case res := <-results:
			rep.Checked++
			if res.ok {
				rep.Usable++
				usable = append(usable, res.url)
				plog.Success(res.url)
			} else {
				rep.Skipped++
				rep.LastSkipped = shortName(res.url)
				skipped = append(skipped, res.url)
				plog.FlushError(res.url, res.err)
			}

			// Failures report immediately; otherwise first, last, and
			// every tenth keep long lists readable.
			if !res.ok || rep.Checked == 1 || rep.Checked == total || rep.Checked%progressEvery == 0 {
				progress(rep)
			}
		}
	}
	return usable, skipped
}

// checkOnce runs a full single probe: length, head magic, tail magic.
func (v *Validator) checkOnce(ctx context.Context, client *http.Client, plog *probeLog, u string, minFooter int64) error {
	plog.Begin(u)

	length, err := v.contentLength(ctx, client, u)
	if err != nil {
		return fmt.Errorf("length probe: %w", err)
	}
	plog.Append(u, fmt.Sprintf("health: %s reports %d bytes", shortName(u), length))
	if length < minFooter {
		return fmt.Errorf("file is %d bytes, smaller than the %d byte parquet minimum", length, minFooter)
	}

	head, err := v.fetchRange(ctx, client, u, 0, 3)
	if err != nil {
		return fmt.Errorf("head magic: %w", err)
	}
	if string(head) != parquetMagic {
		return fmt.Errorf("head bytes %q are not %q", head, parquetMagic)
	}
	plog.Append(u, fmt.Sprintf("health: %s head magic ok", shortName(u)))

	tail, err := v.fetchRange(ctx, client, u, length-4, length-1)
	if err != nil {
		return fmt.Errorf("tail magic: %w", err)
	}
	if string(tail) != parquetMagic {
		return fmt.Errorf("tail bytes %q are not %q, file is likely truncated or mid-write", tail, parquetMagic)
	}
	plog.Append(u, fmt.Sprintf("health: %s tail magic ok", shortName(u)))
	return nil
}

// contentLength asks for the byte size with HEAD and falls back to a
// one-byte range GET for servers that omit Content-Length on HEAD.
func (v *Validator) contentLength(ctx context.Context, client *http.Client, u string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
			return resp.ContentLength, nil
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err = client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		// Range ignored, full body offered; the length is still good.
		return resp.ContentLength, nil
	}
	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("range probe returned status %d", resp.StatusCode)
	}
	// Content-Range: bytes 0-0/12345
	cr := resp.Header.Get("Content-Range")
	slash := strings.LastIndexByte(cr, '/')
	if slash < 0 {
		return 0, fmt.Errorf("no total size in Content-Range %q", cr)
	}
	return strconv.ParseInt(cr[slash+1:], 10, 64)
}

// fetchRange reads the inclusive byte range [from, to]. Servers that ignore
// Range headers answer 200 with the whole file; the body offset then starts
// at zero, so the requested slice only lines up after discarding the first
// from bytes. Taking the head of a 200 body for a tail probe would hand the
// leading magic to the trailing check and wave truncated files through.
func (v *Validator) fetchRange(ctx context.Context, client *http.Client, u string, from, to int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, to))
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if _, err := io.CopyN(io.Discard, resp.Body, from); err != nil {
			return nil, fmt.Errorf("range %d-%d: skipping full body: %w", from, to, err)
		}
	default:
		return nil, fmt.Errorf("range %d-%d returned status %d", from, to, resp.StatusCode)
	}
	want := to - from + 1
	buf, err := io.ReadAll(io.LimitReader(resp.Body, want))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) != want {
		return nil, fmt.Errorf("range %d-%d returned %d bytes", from, to, len(buf))
	}
	return buf, nil
}

// shortName trims a URL down to its file name for log lines.
func shortName(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
