// Package runtime wires storage, config, and the delivery pipeline into a
// single courier instance. It exposes Open/Close, Run for the transport
// loop, Submit for producers, and health/status snapshots.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Transport.WS.URL = "wss://backend.example/ingest"
//	rt, _ := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
//	go rt.Run(ctx)
//	_ = rt.Submit(event.Record{Category: event.MessageCreate, ScopeID: "g1", OccurredAt: time.Now()})
//	defer rt.Close(context.Background())
package runtime
