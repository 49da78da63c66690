// Package model defines the wire types shared by the realtime client and the push hub.
//
// Conventions:
//   - Every frame is a JSON text object with a "type" discriminator
//   - "ticketId" names the channel for both directions, including the
//     "user:<id>" and "*" pseudo-channels
//   - Timestamps are ISO 8601 strings, kept as received
package model
