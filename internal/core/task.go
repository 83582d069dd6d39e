package core

import (
	"context"
	"log"
	"time"
)

const (
	sweepInterval     = 10 * time.Minute
	aggregateInterval = time.Hour
)

// runSweeps runs the periodic maintenance loops until ctx is cancelled:
// expired-entry cleanup across the in-memory stores and the persistent
// mirrors, and hourly usage aggregation.
func runSweeps(ctx context.Context, c *Components) {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	aggregate := time.NewTicker(aggregateInterval)
	defer aggregate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			runCleanup(c)
		case <-aggregate.C:
			runAggregation(c)
		}
	}
}

func runCleanup(c *Components) {
	if removed := c.Store.CleanupExpired(); removed > 0 {
		log.Printf("[Task] Evicted %d expired signatures", removed)
	}
	c.Creds.CleanupExpired()
	c.Convs.CleanupExpired()

	now := time.Now()
	if c.ConvRepo != nil {
		if deleted, err := c.ConvRepo.DeleteExpired(now); err != nil {
			log.Printf("[Task] Conversation cleanup failed: %v", err)
		} else if deleted > 0 {
			log.Printf("[Task] Deleted %d expired conversations", deleted)
		}
	}
	if c.MirrorSweep != nil {
		if deleted, err := c.MirrorSweep(); err != nil {
			log.Printf("[Task] Signature mirror cleanup failed: %v", err)
		} else if deleted > 0 {
			log.Printf("[Task] Deleted %d expired mirror entries", deleted)
		}
	}
}

// runAggregation rolls the previous hour's raw usage rows into the
// hourly buckets. The current hour is recomputed on the next tick, so a
// restart mid-hour loses nothing.
func runAggregation(c *Components) {
	if c.UsageRepo == nil {
		return
	}
	prev := time.Now().Add(-time.Hour)
	if err := c.UsageRepo.AggregateHour(prev); err != nil {
		log.Printf("[Task] Usage aggregation failed: %v", err)
		return
	}
	log.Printf("[Task] Aggregated usage for hour %s", prev.Truncate(time.Hour).Format(time.RFC3339))
}
