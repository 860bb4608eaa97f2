package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedBody = `<?xml version="1.0"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">
  <channel>
    <title>Feed</title>
    <item><title>One</title><link>https://example.com/1</link><guid>1</guid></item>
  </channel>
</rss>`

const feedBodyWithHub = `<?xml version="1.0"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">
  <channel>
    <title>Feed</title>
    <atom:link rel="hub" href="https://hub.example.com/"/>
    <item><title>One</title><link>https://example.com/1</link><guid>1</guid></item>
  </channel>
</rss>`

func newDiscoverer() *Discoverer {
	return New(5 * time.Second)
}

func TestDiscoverLinkHeaderWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Link", `<https://header-hub.example.com/>; rel="hub"`)
		w.Header().Add("Link", `<https://example.com/feed.xml>; rel="self"`)
		w.Header().Set("Content-Type", "application/rss+xml")
		// Body advertises a different hub; the header must win.
		fmt.Fprint(w, feedBodyWithHub)
	}))
	defer srv.Close()

	res, err := newDiscoverer().Discover(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "https://header-hub.example.com/", res.HubURL)
	assert.Equal(t, "https://example.com/feed.xml", res.FeedURL)
}

func TestDiscoverFeedBodyHub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedBodyWithHub)
	}))
	defer srv.Close()

	res, err := newDiscoverer().Discover(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "https://hub.example.com/", res.HubURL)
	assert.Equal(t, srv.URL, res.FeedURL)
}

func TestDiscoverHTMLRecursesIntoFeed(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/blog.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head>
			<link rel="alternate" type="application/atom+xml" href="/feed.xml">
			</head><body>hi</body></html>`)
	})
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedBodyWithHub)
	})

	res, err := newDiscoverer().Discover(context.Background(), srv.URL+"/blog.html")
	require.NoError(t, err)

	// The relative href resolves against the page URL, and the nested
	// lookup surfaces the feed's hub.
	assert.Equal(t, srv.URL+"/feed.xml", res.FeedURL)
	assert.Equal(t, "https://hub.example.com/", res.HubURL)
}

func TestDiscoverHTMLWithoutHub(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/blog.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><link rel="alternate" type="application/atom+xml" href="/feed.xml"></head></html>`)
	})
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedBody)
	})

	res, err := newDiscoverer().Discover(context.Background(), srv.URL+"/blog.html")
	require.NoError(t, err)

	assert.Empty(t, res.HubURL)
	assert.Equal(t, srv.URL+"/feed.xml", res.FeedURL)
}

func TestDiscoverNothingFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>just a page</body></html>`)
	}))
	defer srv.Close()

	_, err := newDiscoverer().Discover(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestParseLinkValue(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		target string
		rel    string
		ok     bool
	}{
		{"quoted rel", `<https://hub.example.com/>; rel="hub"`, "https://hub.example.com/", "hub", true},
		{"unquoted rel", `<https://example.com/feed>; rel=self`, "https://example.com/feed", "self", true},
		{"no angle brackets", `https://example.com; rel="hub"`, "", "", false},
		{"no rel param", `<https://example.com>`, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, rel, ok := parseLinkValue(tt.value)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.target, target)
				assert.Equal(t, tt.rel, rel)
			}
		})
	}
}

func TestSelfFromLinkHeader(t *testing.T) {
	self := SelfFromLinkHeader([]string{`<https://example.com/feed.xml>; rel="self", <https://hub.example.com/>; rel="hub"`})
	assert.Equal(t, "https://example.com/feed.xml", self)
}
