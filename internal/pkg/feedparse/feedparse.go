package feedparse

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/mmcdole/gofeed"
)

// Entry is a normalized feed entry. GUID is the entry's id, falling back
// to its first link; entries with neither are dropped by Parse.
type Entry struct {
	GUID       string
	URL        string
	Title      string
	Author     string
	Published  time.Time
	Updated    *time.Time
	Categories []string
}

// Feed is the normalized result of parsing RSS/Atom bytes.
type Feed struct {
	Title       string
	Description string
	// HubURL is the feed-level rel=hub link, if the feed advertises a
	// WebSub hub. SelfURL is its rel=self link.
	HubURL  string
	SelfURL string
	Entries []Entry
}

// gofeed flattens link rels away, so rel=hub/rel=self are recovered
// from the raw XML link tags.
var (
	linkTagRe = regexp.MustCompile(`(?is)<(?:atom:)?link\b[^>]*?/?>`)
	relAttrRe = regexp.MustCompile(`(?is)\brel\s*=\s*["']([^"']+)["']`)
	hrefRe    = regexp.MustCompile(`(?is)\bhref\s*=\s*["']([^"']+)["']`)
)

// Parse parses RSS or Atom bytes into a normalized feed. Relative link
// hrefs are resolved against baseURL when it is non-empty. Individual
// malformed entries are logged and skipped, never fatal.
func Parse(body []byte, baseURL string) (*Feed, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	f := &Feed{
		Title:       parsed.Title,
		Description: parsed.Description,
	}

	f.HubURL, f.SelfURL = scanLinkRels(body, baseURL)
	if f.SelfURL == "" && parsed.FeedLink != "" {
		f.SelfURL = resolveRef(baseURL, parsed.FeedLink)
	}

	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		e, ok := normalizeItem(item, baseURL)
		if !ok {
			log.Debugf("[FeedParse] Skipping entry without id or link in feed %q", f.Title)
			continue
		}
		f.Entries = append(f.Entries, e)
	}

	return f, nil
}

// normalizeItem maps a gofeed item onto an Entry. The upstream shape is
// untrusted: each field is extracted defensively.
func normalizeItem(item *gofeed.Item, baseURL string) (Entry, bool) {
	e := Entry{
		Title:      strings.TrimSpace(item.Title),
		Categories: item.Categories,
	}

	if item.Link != "" {
		e.URL = resolveRef(baseURL, item.Link)
	} else if len(item.Links) > 0 {
		e.URL = resolveRef(baseURL, item.Links[0])
	}

	e.GUID = strings.TrimSpace(item.GUID)
	if e.GUID == "" {
		e.GUID = e.URL
	}
	if e.GUID == "" {
		return Entry{}, false
	}

	if item.Author != nil {
		e.Author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		e.Author = item.Authors[0].Name
	}

	switch {
	case item.PublishedParsed != nil:
		e.Published = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		e.Published = *item.UpdatedParsed
	}
	if item.UpdatedParsed != nil {
		u := *item.UpdatedParsed
		e.Updated = &u
	}

	return e, true
}

// Effective returns the entry's change timestamp: Updated when present,
// else Published.
func (e Entry) Effective() time.Time {
	if e.Updated != nil {
		return *e.Updated
	}
	return e.Published
}

// scanLinkRels extracts the first rel=hub and rel=self hrefs from raw
// feed XML.
func scanLinkRels(body []byte, baseURL string) (hubURL, selfURL string) {
	for _, tag := range linkTagRe.FindAll(body, -1) {
		rel := firstGroup(relAttrRe, tag)
		href := firstGroup(hrefRe, tag)
		if href == "" {
			continue
		}
		switch strings.ToLower(rel) {
		case "hub":
			if hubURL == "" {
				hubURL = resolveRef(baseURL, href)
			}
		case "self":
			if selfURL == "" {
				selfURL = resolveRef(baseURL, href)
			}
		}
		if hubURL != "" && selfURL != "" {
			break
		}
	}
	return hubURL, selfURL
}

func firstGroup(re *regexp.Regexp, b []byte) string {
	m := re.FindSubmatch(b)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

// resolveRef resolves href against base, returning href unchanged when
// either side does not parse or base is empty.
func resolveRef(base, href string) string {
	if base == "" {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	hu, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(hu).String()
}
