// Package hub is the server side of the realtime wire protocol.
//
// Each accepted socket gets a read goroutine that handles subscribe,
// unsubscribe and ping commands, and a write goroutine fed by a bounded
// queue. Publish fans an event out to the subscribers of its ticketId plus
// the subscribers of "*"; a client whose queue is full is disconnected
// rather than allowed to stall the others.
package hub
