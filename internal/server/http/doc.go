// Package httpserver provides the local operator surface of courier: health,
// pipeline status, a read-only outbox view and an HTTP submit endpoint for
// producers running outside the process.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, "127.0.0.1:8787")
package httpserver
