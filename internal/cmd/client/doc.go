// Package client provides the commands that talk to a running courier agent
// through its local status server.
//
// The base URL is supplied by the embedding application via a BaseURLFunc;
// the standalone binary reads COURIER_STATUS_URL and falls back to
// http://127.0.0.1:8787.
//
// Usage
//
//	courier status
//	courier status --health
//	courier status --outbox --limit 5 --scope guild-1
//
//	courier publish --category message.create --scope guild-1 \
//	    --actor u1 --channel c1 --payload '{"len":12}'
//	courier publish -f events.json
//	cat events.json | courier publish -f -
package client
