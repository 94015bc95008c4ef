package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDiscoverS3Listing(t *testing.T) {
	t.Parallel()

	page1 := `<?xml version="1.0"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>cycling.example.org</Name>
  <IsTruncated>true</IsTruncated>
  <NextContinuationToken>tok2</NextContinuationToken>
  <Contents><Key>usage-stats/365JourneyDataExtract25Apr2022-01May2022.csv</Key></Contents>
  <Contents><Key>usage-stats/readme.txt</Key></Contents>
</ListBucketResult>`
	page2 := `<?xml version="1.0"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>cycling.example.org</Name>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>usage-stats/366JourneyDataExtract02May2022-08May2022.zip</Key></Contents>
</ListBucketResult>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("continuation-token") == "tok2" {
			w.Write([]byte(page2))
			return
		}
		w.Write([]byte(page1))
	}))
	defer srv.Close()

	d := &Discoverer{Client: srv.Client(), Logf: t.Logf}
	got, err := d.Discover(context.Background(), srv.URL+"/?list-type=2&prefix=usage-stats/", "2022-04")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	// Only the first extract's range overlaps April; the May file and the
	// readme are out.
	if len(got) != 1 || !strings.Contains(got[0], "25Apr2022-01May2022.csv") {
		t.Fatalf("Discover=%v", got)
	}
	if !strings.HasPrefix(got[0], "https://cycling.example.org/") {
		t.Fatalf("URL not built from bucket host: %s", got[0])
	}
}

func TestDiscoverHTMLIndex(t *testing.T) {
	t.Parallel()

	index := `<html><body>
<a href="usage-stats/2024-05.csv">May</a>
<a href="usage-stats/2024-06.csv">June</a>
<a href="notes.pdf">notes</a>
</body></html>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(index))
	}))
	defer srv.Close()

	d := &Discoverer{Client: srv.Client(), Logf: t.Logf}
	got, err := d.Discover(context.Background(), srv.URL+"/stats/", "2024-05")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 1 || !strings.HasSuffix(got[0], "/stats/usage-stats/2024-05.csv") {
		t.Fatalf("Discover=%v", got)
	}
}

func TestDiscoverNothingForMonth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><a href="2024-05.csv">x</a></html>`))
	}))
	defer srv.Close()

	d := &Discoverer{Client: srv.Client(), Logf: t.Logf}
	if _, err := d.Discover(context.Background(), srv.URL, "1999-01"); err == nil {
		t.Fatalf("Discover should fail when no file matches the month")
	}
}

func TestExtractDateRanges(t *testing.T) {
	t.Parallel()

	ranges := extractDateRanges("306JourneyDataExtract25Apr2022-01May2022.csv")
	if len(ranges) != 1 {
		t.Fatalf("ranges=%v", ranges)
	}
	r := ranges[0]
	if r[0].Format("2006-01-02") != "2022-04-25" {
		t.Fatalf("start=%v", r[0])
	}
	// End is exclusive: one day past the named end date.
	if r[1].Format("2006-01-02") != "2022-05-02" {
		t.Fatalf("end=%v", r[1])
	}

	if got := extractDateRanges("2024-05.csv"); len(got) != 0 {
		t.Fatalf("month-token name produced ranges: %v", got)
	}
}
