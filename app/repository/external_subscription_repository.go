package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
)

// externalSubscriptionRepository implements the ExternalSubscriptionRepository interface
type externalSubscriptionRepository struct {
	db *gorm.DB
}

// NewExternalSubscriptionRepository creates a new external subscription repository instance
func NewExternalSubscriptionRepository(db *gorm.DB) ExternalSubscriptionRepository {
	return &externalSubscriptionRepository{db: db}
}

// Create creates a new external subscription in the database
func (r *externalSubscriptionRepository) Create(sub *models.ExternalSubscription) error {
	return r.db.Create(sub).Error
}

// GetByID retrieves an external subscription by its ID
func (r *externalSubscriptionRepository) GetByID(id string) (*models.ExternalSubscription, error) {
	var sub models.ExternalSubscription
	err := r.db.Where("id = ?", id).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetByTopic retrieves the external subscription held for a topic
func (r *externalSubscriptionRepository) GetByTopic(topic string) (*models.ExternalSubscription, error) {
	var sub models.ExternalSubscription
	err := r.db.Where("topic = ?", topic).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetByCallbackPath retrieves the external subscription owning a local callback path
func (r *externalSubscriptionRepository) GetByCallbackPath(path string) (*models.ExternalSubscription, error) {
	var sub models.ExternalSubscription
	err := r.db.Where("callback_path = ?", path).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetRenewalCandidates retrieves verified subscriptions expiring before the cutoff
func (r *externalSubscriptionRepository) GetRenewalCandidates(cutoff time.Time) ([]models.ExternalSubscription, error) {
	var subs []models.ExternalSubscription
	err := r.db.Where("verified = ? AND expires <= ?", true, cutoff).Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// Update persists the row guarded by its read version: the write only
// lands when updated_at is unchanged since the row was loaded, so a
// concurrent writer cannot be silently overwritten. Returns ErrStaleRow
// when the guard fails.
func (r *externalSubscriptionRepository) Update(sub *models.ExternalSubscription) error {
	res := r.db.Model(&models.ExternalSubscription{}).
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

// Delete deletes an external subscription by its ID
func (r *externalSubscriptionRepository) Delete(id string) error {
	return r.db.Delete(&models.ExternalSubscription{}, "id = ?", id).Error
}

// List retrieves external subscriptions with pagination
func (r *externalSubscriptionRepository) List(offset, limit int) ([]models.ExternalSubscription, error) {
	var subs []models.ExternalSubscription
	err := r.db.Order("created_at DESC").Offset(offset).Limit(limit).Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}
