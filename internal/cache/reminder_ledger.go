package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const reminderKeyPrefix = "billing:trial-reminder:"

// ReminderLedger remembers which trial reminders were already sent so that
// repeated sweeps for the same trial end do not notify twice.
type ReminderLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReminderLedger returns a ledger whose entries expire after ttl.
func NewReminderLedger(client *redis.Client, ttl time.Duration) *ReminderLedger {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &ReminderLedger{client: client, ttl: ttl}
}

// MarkSent records the reminder keyed by subscription and trial end and reports
// whether this call was the first to do so.
func (l *ReminderLedger) MarkSent(ctx context.Context, subscriptionID string, trialEnd time.Time) (bool, error) {
	key := reminderKeyPrefix + subscriptionID + ":" + trialEnd.UTC().Format("2006-01-02")
	return l.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
}
