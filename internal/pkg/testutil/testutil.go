// Package testutil provides in-memory stand-ins for the store and the
// task queue so engine tests run without MySQL or Redis.
package testutil

import (
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/app/repository"
	"github.com/superduperfeeder/superduperfeeder/internal/pkg/queue"
)

// NewRepositories returns a Repositories bundle backed by maps.
func NewRepositories() *repository.Repositories {
	return &repository.Repositories{
		Subscription:         &memSubscriptionRepo{rows: map[string]models.Subscription{}},
		Feed:                 &memFeedRepo{rows: map[string]models.Feed{}},
		FeedItem:             &memFeedItemRepo{rows: map[string]models.FeedItem{}},
		ExternalSubscription: &memExternalSubscriptionRepo{rows: map[string]models.ExternalSubscription{}},
		UserCallback:         &memUserCallbackRepo{rows: map[string]models.UserCallback{}},
	}
}

// FakeQueue records enqueued tasks instead of dispatching them.
type FakeQueue struct {
	mu    sync.Mutex
	Tasks []*queue.Task
}

// Enqueue implements the engines' Enqueuer interfaces.
func (f *FakeQueue) Enqueue(taskType queue.TaskType, payload map[string]interface{}, opts *queue.EnqueueOptions) (*queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	task := &queue.Task{
		ID:         models.NewID(),
		Type:       taskType,
		Status:     queue.TaskStatusPending,
		Payload:    payload,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		MaxRetries: queue.DefaultMaxRetries,
	}
	if opts != nil {
		if opts.MaxRetries > 0 {
			task.MaxRetries = opts.MaxRetries
		}
		task.BackoffSeconds = opts.BackoffSeconds
	}
	f.Tasks = append(f.Tasks, task)
	return task, nil
}

// TasksOfType returns the recorded tasks with the given tag.
func (f *FakeQueue) TasksOfType(t queue.TaskType) []*queue.Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*queue.Task
	for _, task := range f.Tasks {
		if task.Type == t {
			out = append(out, task)
		}
	}
	return out
}

type memSubscriptionRepo struct {
	mu   sync.Mutex
	rows map[string]models.Subscription
}

func (r *memSubscriptionRepo) Create(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == "" {
		sub.ID = models.NewID()
	}
	sub.CreatedAt = time.Now()
	r.rows[sub.ID] = *sub
	return nil
}

func (r *memSubscriptionRepo) GetByID(id string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &row, nil
}

func (r *memSubscriptionRepo) GetByTopicAndCallback(topic, callback string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Topic == topic && row.Callback == callback {
			row := row
			return &row, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memSubscriptionRepo) GetVerifiedByTopic(topic string) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, row := range r.rows {
		if row.Topic == topic && row.Verified {
			out = append(out, row)
		}
	}
	return out, nil
}

// Update mirrors the store's version guard: the write only lands when
// the row is unchanged since it was read.
func (r *memSubscriptionRepo) Update(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[sub.ID]
	if !ok || !row.UpdatedAt.Equal(sub.UpdatedAt) {
		return repository.ErrStaleRow
	}
	sub.UpdatedAt = time.Now()
	r.rows[sub.ID] = *sub
	return nil
}

func (r *memSubscriptionRepo) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memSubscriptionRepo) DeleteExpiredBefore(cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if row.Expires.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

func (r *memSubscriptionRepo) List(offset, limit int) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, row := range r.rows {
		out = append(out, row)
	}
	return out, nil
}

func (r *memSubscriptionRepo) Count() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.rows)), nil
}

type memFeedRepo struct {
	mu   sync.Mutex
	rows map[string]models.Feed
}

func (r *memFeedRepo) Create(feed *models.Feed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if feed.ID == "" {
		feed.ID = models.NewID()
	}
	feed.CreatedAt = time.Now()
	r.rows[feed.ID] = *feed
	return nil
}

func (r *memFeedRepo) GetByID(id string) (*models.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &row, nil
}

func (r *memFeedRepo) GetByURL(url string) (*models.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.URL == url {
			row := row
			return &row, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memFeedRepo) GetDue(now time.Time) ([]models.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Feed
	for _, row := range r.rows {
		if row.Due(now) {
			out = append(out, row)
		}
	}
	return out, nil
}

// Update mirrors the store's version guard: the write only lands when
// the row is unchanged since it was read.
func (r *memFeedRepo) Update(feed *models.Feed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[feed.ID]
	if !ok || !row.UpdatedAt.Equal(feed.UpdatedAt) {
		return repository.ErrStaleRow
	}
	feed.UpdatedAt = time.Now()
	r.rows[feed.ID] = *feed
	return nil
}

func (r *memFeedRepo) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memFeedRepo) List(filter repository.FeedFilter) ([]models.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Feed
	for _, row := range r.rows {
		if filter.Active != nil && row.Active != *filter.Active {
			continue
		}
		if filter.SupportsWebSub != nil && row.SupportsWebSub != *filter.SupportsWebSub {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *memFeedRepo) Count() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.rows)), nil
}

type memFeedItemRepo struct {
	mu   sync.Mutex
	rows map[string]models.FeedItem
}

func (r *memFeedItemRepo) Create(item *models.FeedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.ID == "" {
		item.ID = models.NewID()
	}
	for _, row := range r.rows {
		if row.FeedID == item.FeedID && row.GUID == item.GUID {
			return gorm.ErrDuplicatedKey
		}
	}
	item.CreatedAt = time.Now()
	r.rows[item.ID] = *item
	return nil
}

func (r *memFeedItemRepo) GetByID(id string) (*models.FeedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &row, nil
}

func (r *memFeedItemRepo) GetByFeedAndGUID(feedID, guid string) (*models.FeedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.FeedID == feedID && row.GUID == guid {
			row := row
			return &row, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// Update mirrors the store's version guard: the write only lands when
// the row is unchanged since it was read.
func (r *memFeedItemRepo) Update(item *models.FeedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[item.ID]
	if !ok || !row.UpdatedAt.Equal(item.UpdatedAt) {
		return repository.ErrStaleRow
	}
	item.UpdatedAt = time.Now()
	r.rows[item.ID] = *item
	return nil
}

func (r *memFeedItemRepo) ListByFeed(feedID string, offset, limit int) ([]models.FeedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.FeedItem
	for _, row := range r.rows {
		if row.FeedID == feedID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memFeedItemRepo) CountByFeed(feedID string) (int64, error) {
	items, _ := r.ListByFeed(feedID, 0, 0)
	return int64(len(items)), nil
}

type memExternalSubscriptionRepo struct {
	mu   sync.Mutex
	rows map[string]models.ExternalSubscription
}

func (r *memExternalSubscriptionRepo) Create(sub *models.ExternalSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == "" {
		sub.ID = models.NewID()
	}
	sub.CreatedAt = time.Now()
	r.rows[sub.ID] = *sub
	return nil
}

func (r *memExternalSubscriptionRepo) GetByID(id string) (*models.ExternalSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &row, nil
}

func (r *memExternalSubscriptionRepo) GetByTopic(topic string) (*models.ExternalSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Topic == topic {
			row := row
			return &row, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memExternalSubscriptionRepo) GetByCallbackPath(path string) (*models.ExternalSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.CallbackPath == path {
			row := row
			return &row, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memExternalSubscriptionRepo) GetRenewalCandidates(cutoff time.Time) ([]models.ExternalSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ExternalSubscription
	for _, row := range r.rows {
		if row.Verified && !row.Expires.After(cutoff) {
			out = append(out, row)
		}
	}
	return out, nil
}

// Update mirrors the store's version guard: the write only lands when
// the row is unchanged since it was read.
func (r *memExternalSubscriptionRepo) Update(sub *models.ExternalSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[sub.ID]
	if !ok || !row.UpdatedAt.Equal(sub.UpdatedAt) {
		return repository.ErrStaleRow
	}
	sub.UpdatedAt = time.Now()
	r.rows[sub.ID] = *sub
	return nil
}

func (r *memExternalSubscriptionRepo) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memExternalSubscriptionRepo) List(offset, limit int) ([]models.ExternalSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ExternalSubscription
	for _, row := range r.rows {
		out = append(out, row)
	}
	return out, nil
}

type memUserCallbackRepo struct {
	mu   sync.Mutex
	rows map[string]models.UserCallback
}

func (r *memUserCallbackRepo) Create(cb *models.UserCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb.ID == "" {
		cb.ID = models.NewID()
	}
	cb.CreatedAt = time.Now()
	r.rows[cb.ID] = *cb
	return nil
}

func (r *memUserCallbackRepo) GetByID(id string) (*models.UserCallback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &row, nil
}

func (r *memUserCallbackRepo) GetByTopicAndURL(topic, url string) (*models.UserCallback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.Topic == topic && row.CallbackURL == url {
			row := row
			return &row, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memUserCallbackRepo) GetByToken(token string) (*models.UserCallback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token == "" {
		return nil, gorm.ErrRecordNotFound
	}
	for _, row := range r.rows {
		if row.VerificationToken == token {
			row := row
			return &row, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memUserCallbackRepo) GetVerifiedByTopic(topic string) ([]models.UserCallback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.UserCallback
	for _, row := range r.rows {
		if row.Topic == topic && row.Verified {
			out = append(out, row)
		}
	}
	return out, nil
}

// Update mirrors the store's version guard: the write only lands when
// the row is unchanged since it was read.
func (r *memUserCallbackRepo) Update(cb *models.UserCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[cb.ID]
	if !ok || !row.UpdatedAt.Equal(cb.UpdatedAt) {
		return repository.ErrStaleRow
	}
	cb.UpdatedAt = time.Now()
	r.rows[cb.ID] = *cb
	return nil
}

func (r *memUserCallbackRepo) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memUserCallbackRepo) DeleteExpiredUnverified(now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if !row.Verified && row.VerificationExpires != nil && row.VerificationExpires.Before(now) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}
