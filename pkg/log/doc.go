// Package log provides courier's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by the standard
// library slog via a handler that feeds our formatter/outputs pipeline.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("session"), log.Str("transport", "ws"))
//	l.Info("connected", log.Int("outbox", 12))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config (text or JSON,
// console or null output). Libraries that log through the standard "log"
// package can be routed in with RedirectStdLog.
package log
