package static

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

const listingPage = `<html><head><title>Cozy Loft</title></head>
<body>
<img src="/img/a.jpg">
<img src="https://cdn.example.com/b.jpg">
<img src="/img/a.jpg">
</body></html>`

func TestRenderCollectsHTMLAndImages(t *testing.T) {
	t.Parallel()

	agents := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.UserAgent()
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, listingPage)
	}))
	defer srv.Close()

	r := New(Config{UserAgent: "archiver-test"})
	res, err := r.Render(context.Background(), archiver.Target{URL: srv.URL + "/listing/1"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/listing/1", res.FinalURL)
	require.Contains(t, res.HTML, "Cozy Loft")
	require.Equal(t, []string{srv.URL + "/img/a.jpg", "https://cdn.example.com/b.jpg"}, res.ImageURLs)
	require.Nil(t, res.Screenshot)
	require.Equal(t, "archiver-test", <-agents)
}

func TestRenderSameURLTwice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body>plain</body></html>")
	}))
	defer srv.Close()

	r := New(Config{})
	for i := 0; i < 2; i++ {
		res, err := r.Render(context.Background(), archiver.Target{URL: srv.URL})
		require.NoError(t, err)
		require.Equal(t, []string{}, res.ImageURLs)
	}
}

func TestRenderReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := New(Config{}).Render(context.Background(), archiver.Target{URL: srv.URL})
	require.Error(t, err)
}

func TestRenderHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		fmt.Fprint(w, "late")
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{}).Render(ctx, archiver.Target{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPerTargetTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		fmt.Fprint(w, "late")
	}))
	defer srv.Close()
	defer close(release)

	r := New(Config{UserAgent: "ua"})
	require.Equal(t, defaultTimeout, r.cfg.Timeout)
	require.Equal(t, "ua", r.buildCollector().UserAgent)

	_, err := r.Render(context.Background(), archiver.Target{
		URL:     srv.URL,
		Options: archiver.RenderOptions{Timeout: 30 * time.Millisecond},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
