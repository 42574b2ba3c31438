package domain

// TicketStatus enumerates lifecycle states for tickets owned by the ticket subsystem.
type TicketStatus string

const (
	TicketStatusOpen        TicketStatus = "OPEN"
	TicketStatusInProgress  TicketStatus = "IN_PROGRESS"
	TicketStatusPendingUser TicketStatus = "PENDING_USER"
	TicketStatusResolved    TicketStatus = "RESOLVED"
	TicketStatusClosed      TicketStatus = "CLOSED"
	TicketStatusCancelled   TicketStatus = "CANCELLED"
)

// ActiveTicketStatuses count against the active-ticket limit.
var ActiveTicketStatuses = []TicketStatus{
	TicketStatusOpen,
	TicketStatusInProgress,
	TicketStatusPendingUser,
}

// CompletedTicketStatuses count against the completed-ticket limit.
var CompletedTicketStatuses = []TicketStatus{
	TicketStatusResolved,
	TicketStatusClosed,
}
