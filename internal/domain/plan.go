package domain

// Unlimited marks a plan limit without an upper bound.
const Unlimited int64 = -1

// PlanLimits holds the numeric resource limits of a plan.
type PlanLimits struct {
	ActiveTickets    int64 `yaml:"active_tickets" json:"active_tickets"`
	CompletedTickets int64 `yaml:"completed_tickets" json:"completed_tickets"`
	TotalTickets     int64 `yaml:"total_tickets" json:"total_tickets"`
	StorageQuotaGB   int64 `yaml:"storage_quota_gb" json:"storage_quota_gb"`
}

// Plan is a named tier of the product.
type Plan struct {
	ID           string     `yaml:"id" json:"id"`
	Slug         string     `yaml:"slug" json:"slug"`
	Name         string     `yaml:"name" json:"name"`
	PriceMonthly int64      `yaml:"price_monthly" json:"price_monthly"`
	Currency     string     `yaml:"currency" json:"currency"`
	TrialDays    int        `yaml:"trial_days" json:"trial_days"`
	Limits       PlanLimits `yaml:"limits" json:"limits"`
}

// LimitReached reports whether usage has hit limit. Unlimited never does; any other
// negative value is treated as misconfigured and blocks.
func LimitReached(usage, limit int64) bool {
	if limit == Unlimited {
		return false
	}
	if limit < 0 {
		return true
	}
	return usage >= limit
}
