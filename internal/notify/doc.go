// Package notify keeps a per-user notification tray fed by the realtime
// transport.
//
// A Tray subscribes to the user's private channel and records every
// notification-created event. The inbox is bounded: once full the oldest
// entry is dropped to make room. Notifications carrying an ID already in
// the inbox are ignored, so a replayed push after a reconnect does not
// show twice.
//
//	tray := notify.NewTray(100, logger)
//	if err := tray.Attach(svc, "u-17"); err != nil {
//		return err
//	}
//	defer tray.Detach()
//
//	fmt.Println(tray.Unread())
//	for _, item := range tray.Drain() {
//		fmt.Println(item.Notification.Title)
//	}
package notify
