package repository

import (
	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
)

// feedItemRepository implements the FeedItemRepository interface
type feedItemRepository struct {
	db *gorm.DB
}

// NewFeedItemRepository creates a new feed item repository instance
func NewFeedItemRepository(db *gorm.DB) FeedItemRepository {
	return &feedItemRepository{db: db}
}

// Create creates a new feed item in the database
func (r *feedItemRepository) Create(item *models.FeedItem) error {
	return r.db.Create(item).Error
}

// GetByID retrieves a feed item by its ID
func (r *feedItemRepository) GetByID(id string) (*models.FeedItem, error) {
	var item models.FeedItem
	err := r.db.Where("id = ?", id).First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetByFeedAndGUID retrieves the unique item for a (feed, guid) pair
func (r *feedItemRepository) GetByFeedAndGUID(feedID, guid string) (*models.FeedItem, error) {
	var item models.FeedItem
	err := r.db.Where("feed_id = ? AND guid = ?", feedID, guid).First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Update persists the row guarded by its read version: the write only
// lands when updated_at is unchanged since the row was loaded, so a
// concurrent writer cannot be silently overwritten. Returns ErrStaleRow
// when the guard fails.
func (r *feedItemRepository) Update(item *models.FeedItem) error {
	res := r.db.Model(&models.FeedItem{}).
		Where("id = ? AND updated_at = ?", item.ID, item.UpdatedAt).
		Select("*").Omit("id", "created_at").
		Updates(item)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRow
	}
	return nil
}

// ListByFeed retrieves items of a feed, most recent first
func (r *feedItemRepository) ListByFeed(feedID string, offset, limit int) ([]models.FeedItem, error) {
	var items []models.FeedItem
	err := r.db.Where("feed_id = ?", feedID).
		Order("published DESC").
		Offset(offset).Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// CountByFeed returns the number of items stored for a feed
func (r *feedItemRepository) CountByFeed(feedID string) (int64, error) {
	var count int64
	err := r.db.Model(&models.FeedItem{}).Where("feed_id = ?", feedID).Count(&count).Error
	return count, err
}
