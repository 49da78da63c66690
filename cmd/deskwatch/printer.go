package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/helpdesk-realtime/internal/model"
	"github.com/rickgao/helpdesk-realtime/internal/realtime"
)

// printer writes one line per event. Safe for concurrent use.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	now     func() time.Time
}

func newPrinter(w io.Writer, verbose bool) *printer {
	return &printer{w: w, verbose: verbose, now: time.Now}
}

func (p *printer) ticketUpdated(ev realtime.Event[model.TicketUpdated]) {
	d := ev.Data
	var parts []string
	if d.Status != "" {
		parts = append(parts, "status="+d.Status)
	}
	if d.Priority != "" {
		parts = append(parts, "priority="+d.Priority)
	}
	if d.AssigneeID != "" {
		parts = append(parts, "assignee="+d.AssigneeID)
	}
	if len(d.Fields) > 0 {
		parts = append(parts, "fields="+strings.Join(d.Fields, ","))
	}
	if d.UpdatedBy != "" {
		parts = append(parts, "by="+d.UpdatedBy)
	}
	p.event("UPDATED", ev.TicketID, ev.Timestamp, strings.Join(parts, " "), ev.Raw)
}

func (p *printer) activityCreated(ev realtime.Event[model.ActivityCreated]) {
	d := ev.Data
	text := d.Kind
	if d.AuthorID != "" {
		text += " by " + d.AuthorID
	}
	if d.Internal {
		text += " (internal)"
	}
	if d.Body != "" {
		text += ": " + truncate(d.Body, 80)
	}
	p.event("ACTIVITY", ev.TicketID, ev.Timestamp, text, ev.Raw)
}

func (p *printer) notification(ev realtime.Event[model.NotificationCreated]) {
	d := ev.Data
	text := d.Title
	if d.Severity != "" && d.Severity != "info" {
		text = "[" + strings.ToUpper(d.Severity) + "] " + text
	}
	if d.Link != "" {
		text += " <" + d.Link + ">"
	}
	p.event("NOTIFY", ev.TicketID, ev.Timestamp, text, ev.Raw)
}

func (p *printer) ticket(t model.Ticket) {
	text := fmt.Sprintf("%q status=%s priority=%s", t.Subject, t.Status, t.Priority)
	if t.AssigneeID != "" {
		text += " assignee=" + t.AssigneeID
	}
	p.line(t.ID, "  now "+text)
}

func (p *printer) event(kind, channel string, ts time.Time, text string, raw model.Message) {
	if ts.IsZero() {
		ts = p.now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "%s %-8s %-12s %s\n", ts.Format("15:04:05"), kind, channel, text)
	if p.verbose {
		data, _ := json.MarshalIndent(raw, "", "  ")
		fmt.Fprintf(p.w, "%s\n", data)
	}
}

func (p *printer) line(channel, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %-8s %-12s %s\n", p.now().Format("15:04:05"), "", channel, text)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
