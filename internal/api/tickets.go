package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/helpdesk-realtime/internal/model"
)

// maxPages bounds ListAllTickets against a server that never ends the cursor chain.
const maxPages = 100

// GetTicket fetches a single ticket by ID.
func (c *Client) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	var resp TicketResponse
	if err := c.fetch(ctx, "/tickets/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	return &resp.Ticket, nil
}

// ListTickets fetches one page of tickets.
func (c *Client) ListTickets(ctx context.Context, opts ListTicketsOptions) (*TicketsResponse, error) {
	query := url.Values{}

	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.AssigneeID != "" {
		query.Set("assignee", opts.AssigneeID)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}

	var resp TicketsResponse
	if err := c.fetch(ctx, "/tickets", query, &resp); err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return &resp, nil
}

// ListAllTickets follows the cursor until the last page.
func (c *Client) ListAllTickets(ctx context.Context, opts ListTicketsOptions) ([]model.Ticket, error) {
	var all []model.Ticket
	if opts.Limit == 0 {
		opts.Limit = 200
	}

	for page := 0; page < maxPages; page++ {
		resp, err := c.ListTickets(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Tickets...)

		c.logger.Debug("fetched tickets page",
			"page", page,
			"count", len(resp.Tickets),
			"total", len(all),
		)

		if resp.Cursor == "" {
			return all, nil
		}
		opts.Cursor = resp.Cursor
	}

	c.logger.Warn("ticket listing truncated", "pages", maxPages)
	return all, nil
}
