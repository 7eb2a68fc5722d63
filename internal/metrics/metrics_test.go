package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := admissionsTotal
	Init()

	if admissionsTotal == nil || first != admissionsTotal {
		t.Fatal("Init() must build collectors exactly once")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveAdmission("queued")
	if val := testutil.ToFloat64(admissionsTotal.WithLabelValues("queued")); val < 1 {
		t.Errorf("expected queued admissions to be counted, got %f", val)
	}

	ObserveCapture("https://Shop.Example.com/item/1", "success")
	if val := testutil.ToFloat64(capturesTotal.WithLabelValues("shop.example.com", "success")); val < 1 {
		t.Errorf("expected capture to be counted by host, got %f", val)
	}

	before := testutil.ToFloat64(queueEvictionsTotal)
	ObserveQueueEvictions(0)
	ObserveQueueEvictions(2)
	if val := testutil.ToFloat64(queueEvictionsTotal); val != before+2 {
		t.Errorf("expected evictions to grow by 2, got %f", val-before)
	}

	ObserveArchive("success", 30*time.Millisecond)
	if val := testutil.CollectAndCount(pipelineDurationSeconds); val != 1 {
		t.Errorf("expected pipeline histogram to be collected, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
