package models

import (
	"time"

	"gorm.io/gorm"
)

// Feed is a polled source of record. Feeds that advertise a WebSub hub
// are permanently excluded from the polling due-set.
type Feed struct {
	ID          string `gorm:"type:char(36);primaryKey" json:"id"`
	URL         string `gorm:"type:varchar(500);not null;uniqueIndex" json:"url"`
	Title       string `gorm:"type:varchar(500)" json:"title,omitempty"`
	Description string `gorm:"type:text" json:"description,omitempty"`

	LastFetched *time.Time `gorm:"type:datetime(3);index" json:"last_fetched,omitempty"`
	// LastUpdated is the last time new content was observed, not the last fetch.
	LastUpdated *time.Time `gorm:"type:datetime(3)" json:"last_updated,omitempty"`

	// Conditional GET state, exactly as received from upstream.
	ETag         string `gorm:"column:etag;type:varchar(255)" json:"etag,omitempty"`
	LastModified string `gorm:"type:varchar(100)" json:"last_modified,omitempty"`

	PollingIntervalMinutes int  `gorm:"not null" json:"polling_interval_minutes"`
	Active                 bool `gorm:"default:true;index" json:"active"`

	SupportsWebSub bool   `gorm:"column:supports_websub;default:false" json:"supports_websub"`
	WebSubHub      string `gorm:"type:varchar(500)" json:"websub_hub,omitempty"`

	ErrorCount    int        `gorm:"default:0" json:"error_count"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	LastErrorTime *time.Time `gorm:"type:datetime(3)" json:"last_error_time,omitempty"`

	// LastProcessedEntryID lets a poll stop walking entries once it
	// reaches content it has already seen.
	LastProcessedEntryID string `gorm:"type:varchar(500)" json:"last_processed_entry_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (f *Feed) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = NewID()
	}
	return nil
}

// Due reports whether the feed should be polled at the given instant.
// Feeds that advertise a hub are never due; the hub pushes instead.
func (f *Feed) Due(now time.Time) bool {
	if !f.Active || f.SupportsWebSub {
		return false
	}
	if f.LastFetched == nil {
		return true
	}
	next := f.LastFetched.Add(time.Duration(f.PollingIntervalMinutes) * time.Minute)
	return !next.After(now)
}
