// deskwatch connects to the push hub and prints service desk events for the
// tickets and user it is told to watch.
// Usage: deskwatch --config configs/deskwatch.yaml --ticket T-1042 --ticket T-1043 --user u-17
//
// With api.rest_url set, each ticket update is followed by the ticket's
// current state fetched through the invalidating cache, and --assignee
// watches every open ticket assigned to that user.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/helpdesk-realtime/internal/api"
	"github.com/rickgao/helpdesk-realtime/internal/cache"
	"github.com/rickgao/helpdesk-realtime/internal/config"
	"github.com/rickgao/helpdesk-realtime/internal/connection"
	"github.com/rickgao/helpdesk-realtime/internal/model"
	"github.com/rickgao/helpdesk-realtime/internal/notify"
	"github.com/rickgao/helpdesk-realtime/internal/realtime"
	"github.com/rickgao/helpdesk-realtime/internal/version"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/deskwatch.yaml", "path to config file")
	hubURL := pflag.String("url", "", "override realtime.url")
	ticketIDs := pflag.StringSliceP("ticket", "t", nil, "ticket id to watch (repeatable)")
	userID := pflag.StringP("user", "u", "", "user id whose notifications to watch")
	assignee := pflag.StringP("assignee", "a", "", "watch the open tickets assigned to this user (needs api.rest_url)")
	global := pflag.BoolP("global", "g", false, "watch every ticket")
	verbose := pflag.BoolP("verbose", "v", false, "print full event JSON")
	statsEvery := pflag.Duration("stats", 30*time.Second, "stats log interval (0 = off)")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println("deskwatch", version.String())
		return
	}

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *hubURL != "" {
		cfg.Realtime.URL = *hubURL
	}
	if err := cfg.ValidateClient(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if len(*ticketIDs) == 0 && *userID == "" && *assignee == "" && !*global {
		fmt.Fprintln(os.Stderr, "nothing to watch: pass --ticket, --user, --assignee or --global")
		os.Exit(2)
	}
	if *assignee != "" && cfg.API.RestURL == "" {
		fmt.Fprintln(os.Stderr, "--assignee needs api.rest_url")
		os.Exit(2)
	}

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	svc := realtime.New(cfg.Realtime.ManagerConfig(), logger)
	p := newPrinter(os.Stdout, *verbose)

	svc.OnStateChange(func(change connection.StateChange) {
		logger.Info("connection state",
			"from", change.From,
			"to", change.To,
			"attempt", change.Attempt,
			"delay", change.Delay,
			"error", change.Err,
		)
		if change.To == connection.StateFailed {
			logger.Error("gave up reconnecting; restart deskwatch or wait for the hub")
		}
	})

	// Optional REST lookups through the invalidating cache
	var ticketCache *cache.TicketCache
	if cfg.API.RestURL != "" {
		apiClient := api.NewClient(
			cfg.API.RestURL,
			cfg.API.APIKey,
			api.WithLogger(logger),
			api.WithTimeout(cfg.API.Timeout),
			api.WithRetries(cfg.API.MaxRetries, time.Second),
			api.WithUserAgent("deskwatch/"+version.Version),
		)
		ticketCache = cache.New(apiClient, logger.With("component", "cache"), cache.WithTTL(5*time.Minute))
		ticketCache.Attach(svc)
		defer ticketCache.Detach()

		if *assignee != "" {
			assigned, err := watchAssigned(ctx, apiClient, ticketCache, *assignee)
			if err != nil {
				logger.Error("failed to list assigned tickets", "assignee", *assignee, "error", err)
				os.Exit(1)
			}
			logger.Info("watching assigned tickets", "assignee", *assignee, "count", len(assigned))
			*ticketIDs = append(*ticketIDs, assigned...)
		}
	}

	realtime.Listen(svc, model.EventTicketUpdated, func(ev realtime.Event[model.TicketUpdated]) {
		p.ticketUpdated(ev)
		if ticketCache == nil {
			return
		}
		// Runs after the cache's own handler has dropped the stale entry.
		go func(id string) {
			lookupCtx, lookupCancel := context.WithTimeout(ctx, 10*time.Second)
			defer lookupCancel()
			ticket, err := ticketCache.Get(lookupCtx, id)
			if err != nil {
				logger.Warn("ticket lookup failed", "ticket_id", id, "error", err)
				return
			}
			p.ticket(ticket)
		}(ev.TicketID)
	})
	realtime.Listen(svc, model.EventActivityCreated, p.activityCreated)
	svc.On(model.EventCacheFlush, func(msg model.Message) {
		p.line("*", "cache flush requested")
	})

	var tray *notify.Tray
	if *userID != "" {
		tray = notify.NewTray(100, logger.With("component", "notify"))
		if err := tray.Attach(svc, *userID); err != nil {
			logger.Error("failed to attach notification tray", "error", err)
			os.Exit(1)
		}
		defer tray.Detach()
		realtime.Listen(svc, model.EventNotificationCreated, p.notification)
	}

	for _, id := range *ticketIDs {
		svc.SubscribeTicket(id)
	}
	if *global {
		svc.SubscribeGlobal()
	}

	logger.Info("starting deskwatch",
		"version", version.Version,
		"url", cfg.Realtime.URL,
		"session", svc.SessionID(),
		"channels", svc.Channels(),
	)
	if err := svc.Init(ctx); err != nil {
		logger.Error("failed to start realtime service", "error", err)
		os.Exit(1)
	}

	// Stats printer
	if *statsEvery > 0 {
		go func() {
			ticker := time.NewTicker(*statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					logStats(logger, svc, ticketCache, tray)
				}
			}
		}()
	}

	// Wait for shutdown
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if err := svc.Teardown(shutdownCtx); err != nil {
		logger.Warn("teardown", "error", err)
	}
	logStats(logger, svc, ticketCache, tray)

	logger.Info("shutdown complete")
}

// watchAssigned lists the assignee's open tickets, seeds the cache with them
// and returns their ids.
func watchAssigned(ctx context.Context, client *api.Client, ticketCache *cache.TicketCache, assignee string) ([]string, error) {
	listCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	var tickets []model.Ticket
	_, err := ticketCache.Warm(listCtx, func(ctx context.Context) ([]model.Ticket, error) {
		var err error
		tickets, err = client.ListAllTickets(ctx, api.ListTicketsOptions{
			Status:     "open",
			AssigneeID: assignee,
		})
		return tickets, err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(tickets))
	for _, t := range tickets {
		if t.ID != "" {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func logStats(logger *slog.Logger, svc *realtime.Service, ticketCache *cache.TicketCache, tray *notify.Tray) {
	stats := svc.Stats()
	attrs := []any{
		"state", stats.Connection.State,
		"connects", stats.Connection.Connects,
		"frames_received", stats.Connection.FramesReceived,
		"parse_errors", stats.Connection.ParseErrors,
		"delivered", stats.Router.Delivered,
		"update_handlers", svc.Handlers(model.EventTicketUpdated),
		"unhandled", stats.Router.Unhandled,
		"handler_panics", stats.Router.HandlerPanics,
	}
	if ticketCache != nil {
		cs := ticketCache.Stats()
		attrs = append(attrs, "cache_entries", cs.Entries, "cache_hits", cs.Hits, "cache_invalidations", cs.Invalidations)
	}
	if tray != nil {
		attrs = append(attrs, "unread", tray.Unread())
	}
	logger.Info("stats", attrs...)
}
