package domain

import "time"

// UsageSnapshot is the current ticket consumption of a tenant.
type UsageSnapshot struct {
	ActiveTickets    int64 `json:"active_tickets"`
	CompletedTickets int64 `json:"completed_tickets"`
	TotalTickets     int64 `json:"total_tickets"`
	ArchivedTickets  int64 `json:"archived_tickets"`
}

// PercentageUsed reports consumption per limited dimension.
type PercentageUsed struct {
	Active    float64 `json:"active"`
	Completed float64 `json:"completed"`
	Total     float64 `json:"total"`
}

// Max returns the highest percentage across dimensions.
func (p PercentageUsed) Max() float64 {
	m := p.Active
	if p.Completed > m {
		m = p.Completed
	}
	if p.Total > m {
		m = p.Total
	}
	return m
}

// LimitStatus is the result of comparing a snapshot with plan limits.
type LimitStatus struct {
	IsAtLimit      bool           `json:"is_at_limit"`
	IsNearLimit    bool           `json:"is_near_limit"`
	PercentageUsed PercentageUsed `json:"percentage_used"`
}

// UsagePeriod is a half-open time range [Start, End).
type UsagePeriod struct {
	Start time.Time
	End   time.Time
}

// PeriodUsage summarizes ticket activity within a period.
type PeriodUsage struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	TicketsCreated   int64     `json:"tickets_created"`
	TicketsCompleted int64     `json:"tickets_completed"`
}

// TicketActivity is a recently touched ticket.
type TicketActivity struct {
	TicketID    string       `json:"ticket_id"`
	ExternalKey string       `json:"external_key"`
	Title       string       `json:"title"`
	Status      TicketStatus `json:"status"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
