package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Factory manages repository instances and ensures they are singletons
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
	}
}

// GetRepositories returns a singleton instance of all repositories
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

// GetSubscriptionRepository returns the subscription repository instance
func (f *Factory) GetSubscriptionRepository() SubscriptionRepository {
	return f.GetRepositories().Subscription
}

// GetFeedRepository returns the feed repository instance
func (f *Factory) GetFeedRepository() FeedRepository {
	return f.GetRepositories().Feed
}

// GetFeedItemRepository returns the feed item repository instance
func (f *Factory) GetFeedItemRepository() FeedItemRepository {
	return f.GetRepositories().FeedItem
}

// GetExternalSubscriptionRepository returns the external subscription repository instance
func (f *Factory) GetExternalSubscriptionRepository() ExternalSubscriptionRepository {
	return f.GetRepositories().ExternalSubscription
}

// GetUserCallbackRepository returns the user callback repository instance
func (f *Factory) GetUserCallbackRepository() UserCallbackRepository {
	return f.GetRepositories().UserCallback
}

// Global factory instance
var globalFactory *Factory
var factoryOnce sync.Once

// InitializeFactory initializes the global repository factory
func InitializeFactory(db *gorm.DB) {
	factoryOnce.Do(func() {
		globalFactory = NewFactory(db)
	})
}

// GetGlobalFactory returns the global repository factory instance
func GetGlobalFactory() *Factory {
	if globalFactory == nil {
		panic("Repository factory not initialized. Call InitializeFactory first.")
	}
	return globalFactory
}

// GetGlobalRepositories returns the global repositories instance
func GetGlobalRepositories() *Repositories {
	return GetGlobalFactory().GetRepositories()
}
