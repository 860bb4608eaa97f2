package models

import (
	"time"

	"gorm.io/gorm"
)

// FeedItem is one observed entry of a feed. A (FeedID, GUID) pair has
// exactly one row; re-observing an entry with a newer Updated overwrites
// it, older observations are ignored.
type FeedItem struct {
	ID     string `gorm:"type:char(36);primaryKey" json:"id"`
	FeedID string `gorm:"type:char(36);not null;uniqueIndex:idx_feed_items_feed_guid;index" json:"feed_id"`
	Feed   *Feed  `gorm:"foreignKey:FeedID" json:"-"`
	GUID   string `gorm:"type:varchar(500);not null;uniqueIndex:idx_feed_items_feed_guid" json:"guid"`

	URL        string     `gorm:"type:varchar(500)" json:"url,omitempty"`
	Title      string     `gorm:"type:varchar(500)" json:"title,omitempty"`
	Author     string     `gorm:"type:varchar(255)" json:"author,omitempty"`
	Published  time.Time  `gorm:"type:datetime(3)" json:"published"`
	Updated    *time.Time `gorm:"type:datetime(3)" json:"updated,omitempty"`
	Categories StringList `gorm:"type:json" json:"categories,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (i *FeedItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = NewID()
	}
	return nil
}
