package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/superduperfeeder/superduperfeeder/app/models"
	"github.com/superduperfeeder/superduperfeeder/app/repository"
)

// The admin surface is a read/filter projection over the store plus a
// few manual switches; ordering and filtering live here, not in the
// engines.

// HandleAdminFeeds lists feeds with status/url/title filters.
func HandleAdminFeeds(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()

	filter := repository.FeedFilter{
		URLContains:   c.Query("url"),
		TitleContains: c.Query("title"),
		OrderBy:       c.Query("order"),
		Offset:        c.QueryInt("offset", 0),
		Limit:         c.QueryInt("limit", 50),
	}
	if raw := c.Query("active"); raw != "" {
		v := raw == "true" || raw == "1"
		filter.Active = &v
	}
	if raw := c.Query("websub"); raw != "" {
		v := raw == "true" || raw == "1"
		filter.SupportsWebSub = &v
	}

	feeds, err := repos.Feed.List(filter)
	if err != nil {
		return serverError(c, err)
	}
	total, err := repos.Feed.Count()
	if err != nil {
		return serverError(c, err)
	}

	return c.JSON(fiber.Map{
		"feeds": feeds,
		"total": total,
	})
}

// HandleAdminFeed returns one feed with its item count.
func HandleAdminFeed(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()

	feed, err := repos.Feed.GetByID(c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return serverError(c, err)
	}

	items, err := repos.FeedItem.CountByFeed(feed.ID)
	if err != nil {
		return serverError(c, err)
	}

	return c.JSON(fiber.Map{
		"feed":       feed,
		"item_count": items,
	})
}

// HandleAdminFeedItems lists a feed's stored items, newest first.
func HandleAdminFeedItems(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()

	items, err := repos.FeedItem.ListByFeed(
		c.Params("id"),
		c.QueryInt("offset", 0),
		c.QueryInt("limit", 50),
	)
	if err != nil {
		return serverError(c, err)
	}
	return c.JSON(fiber.Map{"items": items})
}

// HandleAdminFeedToggle flips a feed's active flag.
func HandleAdminFeedToggle(c *fiber.Ctx) error {
	feed, err := updateAdminFeed(c.Params("id"), func(f *models.Feed) {
		f.Active = !f.Active
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return serverError(c, err)
	}
	return c.JSON(fiber.Map{"id": feed.ID, "active": feed.Active})
}

// HandleAdminFeedResetWebSub returns a feed to the polling set after an
// upstream hub went away.
func HandleAdminFeedResetWebSub(c *fiber.Ctx) error {
	feed, err := updateAdminFeed(c.Params("id"), func(f *models.Feed) {
		f.SupportsWebSub = false
		f.WebSubHub = ""
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return serverError(c, err)
	}
	return c.JSON(fiber.Map{"id": feed.ID, "supports_websub": feed.SupportsWebSub})
}

// updateAdminFeed applies mutate to a freshly read row under the
// store's version guard, retrying when a background poll committed in
// between; the operator's change always lands on current state.
func updateAdminFeed(id string, mutate func(*models.Feed)) (*models.Feed, error) {
	repos := repository.GetGlobalRepositories()

	const attempts = 5
	for attempt := 0; ; attempt++ {
		feed, err := repos.Feed.GetByID(id)
		if err != nil {
			return nil, err
		}
		mutate(feed)
		err = repos.Feed.Update(feed)
		if err == nil {
			return feed, nil
		}
		if !errors.Is(err, repository.ErrStaleRow) || attempt == attempts-1 {
			return nil, err
		}
	}
}

// HandleAdminFeedPoll queues an immediate poll of one feed.
func HandleAdminFeedPoll(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()

	feed, err := repos.Feed.GetByID(c.Params("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return serverError(c, err)
	}

	if err := feedPoller.ForcePoll(feed.ID); err != nil {
		return serverError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": feed.ID, "queued": true})
}

// HandleAdminSubscriptions lists inbound subscriptions.
func HandleAdminSubscriptions(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()

	subs, err := repos.Subscription.List(c.QueryInt("offset", 0), c.QueryInt("limit", 50))
	if err != nil {
		return serverError(c, err)
	}
	total, err := repos.Subscription.Count()
	if err != nil {
		return serverError(c, err)
	}
	return c.JSON(fiber.Map{"subscriptions": subs, "total": total})
}

// HandleAdminExternalSubscriptions lists outbound subscriptions.
func HandleAdminExternalSubscriptions(c *fiber.Ctx) error {
	repos := repository.GetGlobalRepositories()

	subs, err := repos.ExternalSubscription.List(c.QueryInt("offset", 0), c.QueryInt("limit", 50))
	if err != nil {
		return serverError(c, err)
	}
	return c.JSON(fiber.Map{"external_subscriptions": subs})
}

// HandleAdminQueueStats reports task queue counters and sizes.
func HandleAdminQueueStats(c *fiber.Ctx) error {
	stats, err := taskQueue.GetStats(c.Context())
	if err != nil {
		return serverError(c, err)
	}
	pending, _ := taskQueue.GetQueueSize(c.Context())
	processing, _ := taskQueue.GetProcessingSize(c.Context())
	delayed, _ := taskQueue.GetDelayedSize(c.Context())
	dead, _ := taskQueue.GetDeadSize(c.Context())

	return c.JSON(fiber.Map{
		"counters":   stats,
		"pending":    pending,
		"processing": processing,
		"delayed":    delayed,
		"dead":       dead,
	})
}
