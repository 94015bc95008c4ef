package pipeline

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Discoverer finds the month's source CSV/ZIP objects behind a listing
// URL. The hire data lives in a public S3 bucket; some mirrors serve a
// plain HTML index instead, so both listing shapes are understood.
type Discoverer struct {
	Client *http.Client
	Logf   func(string, ...any)
}

// Discover returns the object URLs whose file names belong to the month,
// sorted. Month is "2006-01" style.
func (d *Discoverer) Discover(ctx context.Context, baseURL, month string) ([]string, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	logf := d.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	monthStart, err := time.ParseInLocation("2006-01", month, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("discover: bad month %q: %w", month, err)
	}
	monthEnd := monthStart.AddDate(0, 1, 0)

	body, err := fetchListing(ctx, client, baseURL)
	if err != nil {
		return nil, err
	}

	var candidates []string
	if strings.Contains(body, "<ListBucketResult") {
		candidates, err = d.listS3(ctx, client, baseURL, body)
		if err != nil {
			return nil, err
		}
	} else {
		candidates, err = listHTML(baseURL, body)
		if err != nil {
			return nil, err
		}
	}

	selected := filterByMonth(candidates, monthStart, monthEnd)
	if len(selected) == 0 {
		return nil, fmt.Errorf("discover: no source files for %s under %s", month, baseURL)
	}
	sort.Strings(selected)
	logf("discover: %d source files for %s", len(selected), month)
	return selected, nil
}

func fetchListing(ctx context.Context, client *http.Client, listingURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listingURL, nil)
	if err != nil {
		return "", fmt.Errorf("discover: request %s: %w", listingURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("discover: fetch %s: %w", listingURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discover: fetch %s: status %d", listingURL, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("discover: read %s: %w", listingURL, err)
	}
	return string(b), nil
}

// s3Listing is the subset of the ListObjectsV2 response we consume.
type s3Listing struct {
	Name                  string `xml:"Name"`
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
	Contents              []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

// listS3 pages through the bucket listing and returns HTTPS URLs for
// every CSV or ZIP key.
func (d *Discoverer) listS3(ctx context.Context, client *http.Client, listingURL, firstPage string) ([]string, error) {
	out := []string{}
	page := firstPage
	for {
		var listing s3Listing
		if err := xml.Unmarshal([]byte(page), &listing); err != nil {
			return nil, fmt.Errorf("discover: parse bucket listing: %w", err)
		}
		if listing.Name == "" {
			return nil, fmt.Errorf("discover: bucket listing carries no bucket name")
		}
		for _, c := range listing.Contents {
			key := strings.TrimSpace(c.Key)
			if !hasSourceSuffix(key) {
				continue
			}
			out = append(out, "https://"+listing.Name+"/"+escapeKey(key))
		}
		if !listing.IsTruncated || listing.NextContinuationToken == "" {
			return out, nil
		}
		next, err := withContinuation(listingURL, listing.NextContinuationToken)
		if err != nil {
			return nil, err
		}
		page, err = fetchListing(ctx, client, next)
		if err != nil {
			return nil, err
		}
	}
}

// listHTML scrapes hrefs off a directory index page.
func listHTML(baseURL, body string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("discover: parse index page: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("discover: bad base url %q: %w", baseURL, err)
	}

	out := []string{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if !hasSourceSuffix(href) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		out = append(out, base.ResolveReference(ref).String())
	})
	return out, nil
}

func hasSourceSuffix(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".csv") || strings.HasSuffix(lower, ".zip")
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func withContinuation(listingURL, token string) (string, error) {
	u, err := url.Parse(listingURL)
	if err != nil {
		return "", fmt.Errorf("discover: bad listing url: %w", err)
	}
	q := u.Query()
	q.Set("continuation-token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ====================
// Month filtering
// ====================

// Export file names either embed an explicit date range
// ("306JourneyDataExtract25Apr2022-01May2022.csv") or a month token
// ("usage-stats/2024-05.csv"). Ranged names win; token matching is the
// fallback.
var rangePatterns = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`(\d{1,2}[A-Za-z]{3}\d{4})-(\d{1,2}[A-Za-z]{3}\d{4})`), "2Jan2006"},
	{regexp.MustCompile(`(\d{1,2}[A-Za-z]{3}\d{2})-(\d{1,2}[A-Za-z]{3}\d{2})`), "2Jan06"},
	{regexp.MustCompile(`(\d{8})-(\d{8})`), "20060102"},
}

func filterByMonth(candidates []string, monthStart, monthEnd time.Time) []string {
	tokens := monthTokens(monthStart)
	out := []string{}
	for _, raw := range candidates {
		name := path.Base(mustPath(raw))
		ranges := extractDateRanges(name)
		if len(ranges) > 0 {
			for _, r := range ranges {
				if r[0].Before(monthEnd) && r[1].After(monthStart) {
					out = append(out, raw)
					break
				}
			}
			continue
		}
		lower := strings.ToLower(name)
		for _, token := range tokens {
			if strings.Contains(lower, token) {
				out = append(out, raw)
				break
			}
		}
	}
	return out
}

func monthTokens(monthStart time.Time) []string {
	return []string{
		monthStart.Format("200601"),
		monthStart.Format("2006-01"),
		strings.ToLower(monthStart.Format("Jan2006")),
		strings.ToLower(monthStart.Format("January2006")),
		strings.ToLower(monthStart.Format("Jan06")),
	}
}

// extractDateRanges returns half-open [start, end) ranges found in a file
// name, end exclusive by padding one day past the named end date.
func extractDateRanges(name string) [][2]time.Time {
	out := [][2]time.Time{}
	for _, p := range rangePatterns {
		for _, m := range p.re.FindAllStringSubmatch(name, -1) {
			start, err1 := time.ParseInLocation(p.layout, m[1], time.UTC)
			end, err2 := time.ParseInLocation(p.layout, m[2], time.UTC)
			if err1 != nil || err2 != nil {
				continue
			}
			if end.Before(start) {
				start, end = end, start
			}
			out = append(out, [2]time.Time{start, end.AddDate(0, 0, 1)})
		}
	}
	return out
}

func mustPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	return raw
}
