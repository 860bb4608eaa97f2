package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
)

// ErrStaleRow is returned by Update when the row changed (or vanished)
// since it was read. Rows must not be cached across suspension points,
// so callers re-read, re-apply their changes and retry.
var ErrStaleRow = errors.New("row changed since read")

// SubscriptionRepository defines the database operations for inbound subscriptions
type SubscriptionRepository interface {
	Create(sub *models.Subscription) error
	GetByID(id string) (*models.Subscription, error)
	GetByTopicAndCallback(topic, callback string) (*models.Subscription, error)
	GetVerifiedByTopic(topic string) ([]models.Subscription, error)
	Update(sub *models.Subscription) error
	Delete(id string) error
	DeleteExpiredBefore(cutoff time.Time) (int64, error)
	List(offset, limit int) ([]models.Subscription, error)
	Count() (int64, error)
}

// FeedFilter narrows and orders admin feed listings.
type FeedFilter struct {
	Active         *bool
	SupportsWebSub *bool
	URLContains    string
	TitleContains  string
	OrderBy        string // "url", "last_fetched", "error_count"; default created_at
	Offset         int
	Limit          int
}

// FeedRepository defines the database operations for polled feeds
type FeedRepository interface {
	Create(feed *models.Feed) error
	GetByID(id string) (*models.Feed, error)
	GetByURL(url string) (*models.Feed, error)
	GetDue(now time.Time) ([]models.Feed, error)
	Update(feed *models.Feed) error
	Delete(id string) error
	List(filter FeedFilter) ([]models.Feed, error)
	Count() (int64, error)
}

// FeedItemRepository defines the database operations for feed entries
type FeedItemRepository interface {
	Create(item *models.FeedItem) error
	GetByID(id string) (*models.FeedItem, error)
	GetByFeedAndGUID(feedID, guid string) (*models.FeedItem, error)
	Update(item *models.FeedItem) error
	ListByFeed(feedID string, offset, limit int) ([]models.FeedItem, error)
	CountByFeed(feedID string) (int64, error)
}

// ExternalSubscriptionRepository defines the database operations for
// outbound subscriptions held against upstream hubs
type ExternalSubscriptionRepository interface {
	Create(sub *models.ExternalSubscription) error
	GetByID(id string) (*models.ExternalSubscription, error)
	GetByTopic(topic string) (*models.ExternalSubscription, error)
	GetByCallbackPath(path string) (*models.ExternalSubscription, error)
	GetRenewalCandidates(cutoff time.Time) ([]models.ExternalSubscription, error)
	Update(sub *models.ExternalSubscription) error
	Delete(id string) error
	List(offset, limit int) ([]models.ExternalSubscription, error)
}

// UserCallbackRepository defines the database operations for user-supplied
// relay targets
type UserCallbackRepository interface {
	Create(cb *models.UserCallback) error
	GetByID(id string) (*models.UserCallback, error)
	GetByTopicAndURL(topic, url string) (*models.UserCallback, error)
	GetByToken(token string) (*models.UserCallback, error)
	GetVerifiedByTopic(topic string) ([]models.UserCallback, error)
	Update(cb *models.UserCallback) error
	Delete(id string) error
	DeleteExpiredUnverified(now time.Time) (int64, error)
}

// Repositories bundles every repository over one gorm handle
type Repositories struct {
	Subscription         SubscriptionRepository
	Feed                 FeedRepository
	FeedItem             FeedItemRepository
	ExternalSubscription ExternalSubscriptionRepository
	UserCallback         UserCallbackRepository
}

// NewRepositories creates all repository instances
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Subscription:         NewSubscriptionRepository(db),
		Feed:                 NewFeedRepository(db),
		FeedItem:             NewFeedItemRepository(db),
		ExternalSubscription: NewExternalSubscriptionRepository(db),
		UserCallback:         NewUserCallbackRepository(db),
	}
}
