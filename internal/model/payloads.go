package model

import (
	"time"

	"github.com/google/uuid"
)

// TicketUpdated is the data of a ticket-updated event.
type TicketUpdated struct {
	TicketID   string   `json:"ticketId"`
	Status     string   `json:"status,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	AssigneeID string   `json:"assigneeId,omitempty"`
	UpdatedBy  string   `json:"updatedBy,omitempty"`
	Fields     []string `json:"fields,omitempty"` // Changed field names
}

// ActivityCreated is the data of an activity-created event (comment, status note, attachment).
type ActivityCreated struct {
	ID       string `json:"id"`
	TicketID string `json:"ticketId"`
	Kind     string `json:"kind"`
	AuthorID string `json:"authorId,omitempty"`
	Body     string `json:"body,omitempty"`
	Internal bool   `json:"internal,omitempty"`
}

// NotificationCreated is the data of a notification-created event on a user channel.
type NotificationCreated struct {
	ID       uuid.UUID `json:"id"`
	UserID   string    `json:"userId"`
	Title    string    `json:"title"`
	Body     string    `json:"body,omitempty"`
	Link     string    `json:"link,omitempty"`
	Severity string    `json:"severity,omitempty"` // "info", "warning", "critical"
}

// Ticket is the REST representation cached by the client.
type Ticket struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	AssigneeID  string    `json:"assigneeId,omitempty"`
	RequesterID string    `json:"requesterId,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
