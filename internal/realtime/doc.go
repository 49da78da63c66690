// Package realtime is the public facade over the push transport.
//
// A Service is built once per application session and shared by every
// consumer: ticket views, the notification tray, and the ticket cache all
// subscribe and register handlers through the same instance, over one
// socket and one channel set.
//
//	svc := realtime.New(cfg, logger)
//	if err := svc.Init(ctx); err != nil { ... }
//	defer svc.Teardown(ctx)
//
//	svc.SubscribeTicket("T-1042")
//	stop := realtime.Listen(svc, model.EventTicketUpdated, func(ev realtime.Event[model.TicketUpdated]) {
//		...
//	})
//	defer stop()
package realtime
