package models

import (
	"time"

	"gorm.io/gorm"
)

// ExternalSubscription is an outbound subscription: this service acting
// as a subscriber against an upstream hub, or against its own polling
// engine when no hub exists (UsingFallback).
type ExternalSubscription struct {
	ID    string `gorm:"type:char(36);primaryKey" json:"id"`
	Topic string `gorm:"type:varchar(500);not null;index" json:"topic"`
	Hub   string `gorm:"type:varchar(500)" json:"hub,omitempty"`

	// CallbackPath is the unique local path the upstream hub calls back
	// on, of the form /callback/<uuid>.
	CallbackPath string `gorm:"type:varchar(100);not null;uniqueIndex" json:"callback_path"`

	Secret       []byte `gorm:"type:varbinary(200)" json:"-"`
	LeaseSeconds int    `json:"lease_seconds"`

	Expires     time.Time  `gorm:"not null;index" json:"expires"`
	Verified    bool       `gorm:"default:false" json:"verified"`
	LastRenewed *time.Time `gorm:"type:datetime(3)" json:"last_renewed,omitempty"`

	// UsingFallback is true iff no upstream hub was found and the
	// polling engine stands in for it.
	UsingFallback bool `gorm:"default:false" json:"using_fallback"`

	UserCallbackURL string `gorm:"type:varchar(500)" json:"user_callback_url,omitempty"`

	ErrorCount    int        `gorm:"default:0" json:"error_count"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	LastErrorTime *time.Time `gorm:"type:datetime(3)" json:"last_error_time,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (s *ExternalSubscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	return nil
}

// NeedsRenewal reports whether the subscription should be refreshed:
// verified and expiring within the window.
func (s *ExternalSubscription) NeedsRenewal(now time.Time, window time.Duration) bool {
	return s.Verified && !s.Expires.After(now.Add(window))
}
