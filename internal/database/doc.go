// Package database connects to the service desk's PostgreSQL database and
// turns its NOTIFY traffic into hub publishes.
//
// The service desk writes a JSON envelope with pg_notify whenever a ticket,
// activity or notification changes:
//
//	SELECT pg_notify('desk_events',
//	  json_build_object('type', 'ticket-updated', 'ticketId', 'T-1042',
//	                    'data', row_to_json(t))::text)
//
// Listener holds one pooled connection in LISTEN mode and hands every
// valid envelope to a Publisher, normally the push hub. When the
// connection drops it reconnects on the same backoff schedule the
// realtime client uses.
package database
