package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
)

// subscriptionRepository implements the SubscriptionRepository interface
type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository instance
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

// Create creates a new subscription in the database
func (r *subscriptionRepository) Create(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

// GetByID retrieves a subscription by its ID
func (r *subscriptionRepository) GetByID(id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("id = ?", id).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetByTopicAndCallback retrieves the unique subscription for a (topic, callback) pair
func (r *subscriptionRepository) GetByTopicAndCallback(topic, callback string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("topic = ? AND callback = ?", topic, callback).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetVerifiedByTopic retrieves every verified subscription for a topic
func (r *subscriptionRepository) GetVerifiedByTopic(topic string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("topic = ? AND verified = ?", topic, true).Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// Update persists the row guarded by its read version: the write only
// lands when updated_at is unchanged since the row was loaded, so a
// concurrent writer cannot be silently overwritten. Returns ErrStaleRow
// when the guard fails.
func (r *subscriptionRepository) Update(sub *models.Subscription) error {
	res := r.db.Model(&models.Subscription{}).
		Where("id = ? AND updated_at = ?", sub.ID, sub.UpdatedAt).
		Select("*").Omit("id", "created_at").
		Updates(sub)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRow
	}
	return nil
}

// Delete deletes a subscription by its ID
func (r *subscriptionRepository) Delete(id string) error {
	return r.db.Delete(&models.Subscription{}, "id = ?", id).Error
}

// DeleteExpiredBefore removes every subscription whose lease ran out
// before the cutoff. Pending rows whose verification window has passed
// are covered too, since their Expires never advanced.
func (r *subscriptionRepository) DeleteExpiredBefore(cutoff time.Time) (int64, error) {
	res := r.db.Where("expires < ?", cutoff).Delete(&models.Subscription{})
	return res.RowsAffected, res.Error
}

// List retrieves subscriptions with pagination
func (r *subscriptionRepository) List(offset, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// Count returns the total number of subscriptions
func (r *subscriptionRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Subscription{}).Count(&count).Error
	return count, err
}
