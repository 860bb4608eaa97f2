package models

import (
	"time"

	"gorm.io/gorm"
)

// Subscription modes accepted on the hub endpoint.
const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
	ModePublish     = "publish"
)

// Subscription is an inbound subscription owned by this hub: a subscriber
// asked to receive content for Topic at Callback.
type Subscription struct {
	ID       string `gorm:"type:char(36);primaryKey" json:"id"`
	Topic    string `gorm:"type:varchar(500);not null;uniqueIndex:idx_subscriptions_topic_callback" json:"topic"`
	Callback string `gorm:"type:varchar(500);not null;uniqueIndex:idx_subscriptions_topic_callback" json:"callback"`
	// Secret, when set, makes every distribution carry an
	// X-Hub-Signature header (HMAC-SHA1 of the body).
	Secret       []byte    `gorm:"type:varbinary(200)" json:"-"`
	LeaseSeconds int       `gorm:"not null" json:"lease_seconds"`
	Expires      time.Time `gorm:"not null;index" json:"expires"`
	Verified     bool      `gorm:"default:false;index" json:"verified"`

	// Pending verification state; cleared when the challenge round-trip
	// succeeds. A non-matching token marks a stale Verify message.
	VerificationToken   string     `gorm:"type:varchar(100)" json:"-"`
	VerificationExpires *time.Time `gorm:"type:datetime(3)" json:"-"`

	ErrorCount    int        `gorm:"default:0" json:"error_count"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	LastErrorTime *time.Time `gorm:"type:datetime(3)" json:"last_error_time,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	return nil
}

// Expired reports whether the lease has run out at the given instant.
func (s *Subscription) Expired(now time.Time) bool {
	return now.After(s.Expires)
}
