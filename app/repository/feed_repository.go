package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
)

// feedRepository implements the FeedRepository interface
type feedRepository struct {
	db *gorm.DB
}

// NewFeedRepository creates a new feed repository instance
func NewFeedRepository(db *gorm.DB) FeedRepository {
	return &feedRepository{db: db}
}

// Create creates a new feed in the database
func (r *feedRepository) Create(feed *models.Feed) error {
	return r.db.Create(feed).Error
}

// GetByID retrieves a feed by its ID
func (r *feedRepository) GetByID(id string) (*models.Feed, error) {
	var feed models.Feed
	err := r.db.Where("id = ?", id).First(&feed).Error
	if err != nil {
		return nil, err
	}
	return &feed, nil
}

// GetByURL retrieves a feed by its unique URL
func (r *feedRepository) GetByURL(url string) (*models.Feed, error) {
	var feed models.Feed
	err := r.db.Where("url = ?", url).First(&feed).Error
	if err != nil {
		return nil, err
	}
	return &feed, nil
}

// GetDue retrieves every active, non-WebSub feed whose polling interval
// has elapsed (or that has never been fetched).
func (r *feedRepository) GetDue(now time.Time) ([]models.Feed, error) {
	var feeds []models.Feed
	err := r.db.
		Where("active = ? AND supports_websub = ?", true, false).
		Where("last_fetched IS NULL OR DATE_ADD(last_fetched, INTERVAL polling_interval_minutes MINUTE) <= ?", now).
		Find(&feeds).Error
	if err != nil {
		return nil, err
	}
	return feeds, nil
}

// Update persists the row guarded by its read version: the write only
// lands when updated_at is unchanged since the row was loaded, so a
// concurrent writer cannot be silently overwritten. Returns ErrStaleRow
// when the guard fails.
func (r *feedRepository) Update(feed *models.Feed) error {
	res := r.db.Model(&models.Feed{}).
		Where("id = ? AND updated_at = ?", feed.ID, feed.UpdatedAt).
		Select("*").Omit("id", "created_at").
		Updates(feed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleRow
	}
	return nil
}

// Delete deletes a feed and its items
func (r *feedRepository) Delete(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.FeedItem{}, "feed_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Feed{}, "id = ?", id).Error
	})
}

// List retrieves feeds matching the filter
func (r *feedRepository) List(filter FeedFilter) ([]models.Feed, error) {
	q := r.db.Model(&models.Feed{})

	if filter.Active != nil {
		q = q.Where("active = ?", *filter.Active)
	}
	if filter.SupportsWebSub != nil {
		q = q.Where("supports_websub = ?", *filter.SupportsWebSub)
	}
	if filter.URLContains != "" {
		q = q.Where("url LIKE ?", "%"+filter.URLContains+"%")
	}
	if filter.TitleContains != "" {
		q = q.Where("title LIKE ?", "%"+filter.TitleContains+"%")
	}

	switch filter.OrderBy {
	case "url":
		q = q.Order("url ASC")
	case "last_fetched":
		q = q.Order("last_fetched DESC")
	case "error_count":
		q = q.Order("error_count DESC")
	default:
		q = q.Order("created_at DESC")
	}

	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var feeds []models.Feed
	if err := q.Find(&feeds).Error; err != nil {
		return nil, err
	}
	return feeds, nil
}

// Count returns the total number of feeds
func (r *feedRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.Feed{}).Count(&count).Error
	return count, err
}
