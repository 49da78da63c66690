package api

import "github.com/rickgao/helpdesk-realtime/internal/model"

// TicketResponse from GET /tickets/{id}
type TicketResponse struct {
	Ticket model.Ticket `json:"ticket"`
}

// TicketsResponse from GET /tickets
type TicketsResponse struct {
	Tickets []model.Ticket `json:"tickets"`
	Cursor  string         `json:"cursor"`
}

// ListTicketsOptions filters GET /tickets.
type ListTicketsOptions struct {
	Status     string // "open", "pending", "resolved", ...
	AssigneeID string
	Limit      int
	Cursor     string
}
