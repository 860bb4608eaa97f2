package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gofiber/fiber/v2/log"

	"github.com/superduperfeeder/superduperfeeder/internal/pkg/feedparse"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/version"
)

const (
	maxRedirects = 5
	maxBodyBytes = 10 << 20 // 10 MiB
	maxDepth     = 1
)

// Result of a discovery run. Either field may be empty: a bare feed has
// no hub, an HTML page may point at a feed without advertising one.
type Result struct {
	HubURL  string
	FeedURL string
}

// Discoverer locates the WebSub hub (and/or feed URL) behind an
// arbitrary URL: Link headers first, then the feed body, then HTML
// <link> tags.
type Discoverer struct {
	client *http.Client
}

// New creates a discoverer with its own HTTP client. Redirects are
// capped at maxRedirects hops.
func New(timeout time.Duration) *Discoverer {
	return &Discoverer{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Discover runs the full discovery pipeline against the given URL.
func (d *Discoverer) Discover(ctx context.Context, target string) (*Result, error) {
	return d.discover(ctx, target, 0)
}

func (d *Discoverer) discover(ctx context.Context, target string, depth int) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("discovery fetch of %s returned status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	res := &Result{}

	// Link headers win over anything found in the body.
	headerHub, headerSelf := linkHeaderRels(resp.Header.Values("Link"), target)
	res.HubURL = headerHub
	res.FeedURL = headerSelf

	// Try the body as a feed next.
	if feed, err := feedparse.Parse(body, target); err == nil {
		if res.HubURL == "" {
			res.HubURL = feed.HubURL
		}
		if res.FeedURL == "" {
			res.FeedURL = target
		}
		return res, nil
	}

	// Not a feed; scan HTML for hub and feed links.
	if isHTML(resp.Header.Get("Content-Type")) {
		htmlHub, htmlFeed := scanHTML(body, target)
		if res.HubURL == "" {
			res.HubURL = htmlHub
		}
		if res.FeedURL == "" {
			res.FeedURL = htmlFeed
		}

		// One recursive hop into a discovered feed to find its hub.
		if res.HubURL == "" && res.FeedURL != "" && res.FeedURL != target && depth < maxDepth {
			nested, err := d.discover(ctx, res.FeedURL, depth+1)
			if err != nil {
				log.Warnf("[Discovery] Nested lookup of %s failed: %v", res.FeedURL, err)
			} else if nested.HubURL != "" {
				res.HubURL = nested.HubURL
			}
		}
	}

	if res.HubURL == "" && res.FeedURL == "" {
		return nil, errors.New("no hub or feed found")
	}
	return res, nil
}

// SelfFromLinkHeader extracts the first rel=self URL from HTTP Link
// header values. Used by the hub endpoint to identify the topic of a
// bare content notification.
func SelfFromLinkHeader(values []string) string {
	_, self := linkHeaderRels(values, "")
	return self
}

// linkHeaderRels picks the first rel=hub and rel=self URLs out of HTTP
// Link headers, e.g. `<https://hub.example>; rel="hub"`.
func linkHeaderRels(headers []string, base string) (hubURL, selfURL string) {
	for _, header := range headers {
		for _, part := range strings.Split(header, ",") {
			target, rel, ok := parseLinkValue(part)
			if !ok {
				continue
			}
			resolved := resolve(base, target)
			if resolved == "" {
				continue
			}
			switch rel {
			case "hub":
				if hubURL == "" {
					hubURL = resolved
				}
			case "self":
				if selfURL == "" {
					selfURL = resolved
				}
			}
		}
	}
	return hubURL, selfURL
}

func parseLinkValue(part string) (target, rel string, ok bool) {
	segments := strings.Split(part, ";")
	if len(segments) < 2 {
		return "", "", false
	}
	target = strings.TrimSpace(segments[0])
	if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
		return "", "", false
	}
	target = strings.Trim(target, "<>")

	for _, param := range segments[1:] {
		k, v, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(k), "rel") {
			continue
		}
		rel = strings.ToLower(strings.Trim(strings.TrimSpace(v), `"`))
		return target, rel, true
	}
	return "", "", false
}

// scanHTML looks for <link rel="hub"> and <link rel="alternate"|"feed">
// tags in an HTML document.
func scanHTML(body []byte, base string) (hubURL, feedURL string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		log.Warnf("[Discovery] HTML parse failed: %v", err)
		return "", ""
	}

	doc.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel := strings.ToLower(s.AttrOr("rel", ""))
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return true
		}
		switch rel {
		case "hub":
			if hubURL == "" {
				hubURL = resolve(base, href)
			}
		case "alternate", "feed":
			// Only follow alternates that look like feeds.
			t := strings.ToLower(s.AttrOr("type", ""))
			if t == "" || strings.Contains(t, "rss") || strings.Contains(t, "atom") || strings.Contains(t, "xml") {
				if feedURL == "" {
					feedURL = resolve(base, href)
				}
			}
		}
		return hubURL == "" || feedURL == ""
	})

	return hubURL, feedURL
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// resolve resolves href against base and returns "" when href does not
// parse as a URL.
func resolve(base, href string) string {
	hu, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if hu.IsAbs() {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return bu.ResolveReference(hu).String()
}
