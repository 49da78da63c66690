// Package api is the service desk REST client.
//
// Only the read paths the realtime layer needs are covered: the ticket
// cache loads tickets through GetTicket, and deskwatch lists the open queue
// for --assignee at startup. Requests carry a bearer token and are retried
// with jittered exponential backoff on 5xx and 429, waiting at least as long
// as a Retry-After header asks.
//
// Endpoints:
//   - GET /tickets/{id}
//   - GET /tickets?status=&assignee=&cursor=&limit=
package api
