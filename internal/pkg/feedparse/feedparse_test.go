package feedparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rssWithHub = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">
  <channel>
    <title>Example Blog</title>
    <description>Posts about examples</description>
    <atom:link rel="hub" href="https://hub.example.com/"/>
    <atom:link rel="self" href="https://example.com/feed.xml"/>
    <item>
      <title>Second post</title>
      <link>https://example.com/posts/2</link>
      <guid>post-2</guid>
      <pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate>
      <category>go</category>
    </item>
    <item>
      <title>First post</title>
      <link>https://example.com/posts/1</link>
      <guid>post-1</guid>
      <pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate>
    </item>
  </channel>
</rss>`

const atomNoGUIDs = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Example</title>
  <link rel="alternate" href="https://example.com/"/>
  <entry>
    <title>Linked entry</title>
    <link href="/entries/1"/>
    <updated>2024-01-03T12:00:00Z</updated>
  </entry>
  <entry>
    <title>Orphan entry</title>
    <updated>2024-01-02T12:00:00Z</updated>
  </entry>
</feed>`

func TestParseRSS(t *testing.T) {
	feed, err := Parse([]byte(rssWithHub), "https://example.com/feed.xml")
	require.NoError(t, err)

	assert.Equal(t, "Example Blog", feed.Title)
	assert.Equal(t, "Posts about examples", feed.Description)
	assert.Equal(t, "https://hub.example.com/", feed.HubURL)
	assert.Equal(t, "https://example.com/feed.xml", feed.SelfURL)

	require.Len(t, feed.Entries, 2)
	assert.Equal(t, "post-2", feed.Entries[0].GUID)
	assert.Equal(t, "https://example.com/posts/2", feed.Entries[0].URL)
	assert.Equal(t, []string{"go"}, feed.Entries[0].Categories)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), feed.Entries[0].Published.UTC())
}

func TestParseAtomGUIDFallback(t *testing.T) {
	feed, err := Parse([]byte(atomNoGUIDs), "https://example.com/feed.atom")
	require.NoError(t, err)

	assert.Empty(t, feed.HubURL)

	// Atom entries without an id fall back to their link; entries with
	// neither are dropped. (gofeed itself requires a feed-level id-less
	// atom to still parse.)
	require.NotEmpty(t, feed.Entries)
	first := feed.Entries[0]
	assert.Equal(t, "https://example.com/entries/1", first.URL)
	assert.NotEmpty(t, first.GUID)
}

func TestParseRejectsNonFeed(t *testing.T) {
	_, err := Parse([]byte("<html><body>nope</body></html>"), "https://example.com/")
	assert.Error(t, err)
}

func TestEntryEffective(t *testing.T) {
	published := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := published.Add(48 * time.Hour)

	tests := []struct {
		name     string
		entry    Entry
		expected time.Time
	}{
		{"updated wins", Entry{Published: published, Updated: &updated}, updated},
		{"published fallback", Entry{Published: published}, published},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.entry.Effective())
		})
	}
}

func TestScanLinkRelsResolvesRelative(t *testing.T) {
	xml := []byte(`<feed><link rel="hub" href="/hub"/><link rel="self" href="feed.xml"/></feed>`)

	hub, self := scanLinkRels(xml, "https://example.com/blog/")
	assert.Equal(t, "https://example.com/hub", hub)
	assert.Equal(t, "https://example.com/blog/feed.xml", self)
}
