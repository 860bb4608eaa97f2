package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
)

// userCallbackRepository implements the UserCallbackRepository interface
type userCallbackRepository struct {
	db *gorm.DB
}

// NewUserCallbackRepository creates a new user callback repository instance
func NewUserCallbackRepository(db *gorm.DB) UserCallbackRepository {
	return &userCallbackRepository{db: db}
}

// Create creates a new user callback in the database
func (r *userCallbackRepository) Create(cb *models.UserCallback) error {
	return r.db.Create(cb).Error
}

// GetByID retrieves a user callback by its ID
func (r *userCallbackRepository) GetByID(id string) (*models.UserCallback, error) {
	var cb models.UserCallback
	err := r.db.Where("id = ?", id).First(&cb).Error
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

// GetByTopicAndURL retrieves the unique callback for a (topic, url) pair
func (r *userCallbackRepository) GetByTopicAndURL(topic, url string) (*models.UserCallback, error) {
	var cb models.UserCallback
	err := r.db.Where("topic = ? AND callback_url = ?", topic, url).First(&cb).Error
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

// GetByToken retrieves a user callback by its pending verification token
func (r *userCallbackRepository) GetByToken(token string) (*models.UserCallback, error) {
	var cb models.UserCallback
	err := r.db.Where("verification_token = ?", token).First(&cb).Error
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

// GetVerifiedByTopic retrieves every verified callback for a topic
func (r *userCallbackRepository) GetVerifiedByTopic(topic string) ([]models.UserCallback, error) {
	var cbs []models.UserCallback
	err := r.db.Where("topic = ? AND verified = ?", topic, true).Find(&cbs).Error
	if err != nil {
		return nil, err
	}
	return cbs, nil
}

// Update persists the row guarded by its read version: the write only
// lands when updated_at is unchanged since the row was loaded, so a
// concurrent writer cannot be silently overwritten. Returns ErrStaleRow
// when the guard fails.
func (r *userCallbackRepository) Update(cb *models.UserCallback) error {
	res := r.db.Model(&models.UserCallback{}).
		Where("id = ? AND updated_at = ?", cb.ID, cb.UpdatedAt).
		Select("*").Omit("id", "created_at").
		Updates(cb)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRow
	}
	return nil
}

// Delete deletes a user callback by its ID
func (r *userCallbackRepository) Delete(id string) error {
	return r.db.Delete(&models.UserCallback{}, "id = ?", id).Error
}

// DeleteExpiredUnverified purges callbacks whose verification token
// expired without being confirmed
func (r *userCallbackRepository) DeleteExpiredUnverified(now time.Time) (int64, error) {
	res := r.db.Where("verified = ? AND verification_expires < ?", false, now).
		Delete(&models.UserCallback{})
	return res.RowsAffected, res.Error
}
