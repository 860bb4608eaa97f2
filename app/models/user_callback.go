package models

import (
	"time"

	"gorm.io/gorm"
)

// UserCallbackVerificationTTL is how long a user has to confirm
// ownership of a callback URL before the row is purged.
const UserCallbackVerificationTTL = 24 * time.Hour

// UserCallback is an external URL that wants content for a topic
// forwarded to it. Ownership is proven by a token round-trip: we GET
// the URL with mode=verify&token=X and expect the token echoed back.
type UserCallback struct {
	ID          string `gorm:"type:char(36);primaryKey" json:"id"`
	Topic       string `gorm:"type:varchar(500);not null;uniqueIndex:idx_user_callbacks_topic_url" json:"topic"`
	CallbackURL string `gorm:"type:varchar(500);not null;uniqueIndex:idx_user_callbacks_topic_url" json:"callback_url"`

	Verified            bool       `gorm:"default:false" json:"verified"`
	VerificationToken   string     `gorm:"type:varchar(100);index" json:"-"`
	VerificationExpires *time.Time `gorm:"type:datetime(3)" json:"-"`

	LastUsed      *time.Time `gorm:"type:datetime(3)" json:"last_used,omitempty"`
	ErrorCount    int        `gorm:"default:0" json:"error_count"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	LastErrorTime *time.Time `gorm:"type:datetime(3)" json:"last_error_time,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (c *UserCallback) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	return nil
}
