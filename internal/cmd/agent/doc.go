// Package agentrun exposes the Run entrypoint used by the CLI to start a
// courier agent: the delivery pipeline, its transport loop and the local
// status server, with signal handling and a bounded graceful shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Transport.WS.URL = "wss://backend.example/ingest"
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = agentrun.Run(ctx, agentrun.Options{Config: cfg})
package agentrun
