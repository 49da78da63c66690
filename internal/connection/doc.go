// Package connection implements the realtime Connection Manager.
//
// The Connection Manager:
//   - Owns one WebSocket to the push hub and its lifecycle
//   - Tracks the desired channel set and replays it after every (re)connect
//   - Reconnects with capped exponential backoff plus jitter until the
//     attempt budget is spent, then parks in StateFailed
//   - Swallows control frames and hands application frames to a Dispatcher
package connection
