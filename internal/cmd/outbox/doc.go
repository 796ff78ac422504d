// Package outboxcmd provides offline maintenance commands for the durable
// outbox. They open the data directory directly, so the agent must not be
// running against the same directory.
//
// Usage
//
//	courier outbox stats [--scope guild-1]
//	courier outbox peek --limit 10
//	courier outbox trim --max 5000
//	courier outbox drop-scope --scope guild-1 --confirm
//	courier outbox clear --confirm
package outboxcmd
