package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/courier/internal/batcher"
	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/outbox"
	"github.com/rzbill/courier/internal/session"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/internal/transport"
	kafkatransport "github.com/rzbill/courier/internal/transport/kafka"
	wstransport "github.com/rzbill/courier/internal/transport/ws"
	logpkg "github.com/rzbill/courier/pkg/log"
)

// Version is reported in the registration handshake.
var Version = "dev"

const instanceIDFile = "instance-id"

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Driver replaces the configured transport.
	Driver transport.Driver
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Instance  transport.Registration   `json:"instance"`
	Transport string                   `json:"transport"`
	Session   session.Stats            `json:"session"`
	Batcher   batcher.Stats            `json:"batcher"`
	Storage   pebblestore.CounterStats `json:"storage"`
}

// Runtime owns one instance of every pipeline component.
type Runtime struct {
	config  cfgpkg.Config
	logger  logpkg.Logger
	db      *pebblestore.DB
	outbox  *outbox.Store
	session *session.Manager
	engine  *batcher.Engine
	driver  transport.Driver
	storage *pebblestore.Counters
}

// Open initializes storage, the session and the batching engine. The
// transport is not started until Run.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	table, err := cfg.PolicyTable()
	if err != nil {
		return nil, fmt.Errorf("runtime: policy: %w", err)
	}

	counters := &pebblestore.Counters{}
	db, store, err := OpenOutbox(cfg, logger, counters)
	if err != nil {
		return nil, err
	}

	reg, err := registration(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	driver := opts.Driver
	if driver == nil {
		driver, err = buildDriver(cfg, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	sess := session.New(session.Options{
		Conn:         driver,
		Outbox:       store,
		Registration: reg,
		PageSize:     cfg.Drain.PageSize,
		PageDelay:    cfg.Drain.PageDelay(),
		Logger:       logger,
	})
	engine := batcher.New(batcher.Options{Policies: table, Sink: sess, Logger: logger})

	logger.Info("runtime ready",
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("transport", driver.Name()),
		logpkg.Str("instance_id", reg.InstanceID),
		logpkg.Int("outbox", store.Count()),
		logpkg.Int("rules", len(table.Rules())))

	return &Runtime{
		config:  cfg,
		logger:  logger,
		db:      db,
		outbox:  store,
		session: sess,
		engine:  engine,
		driver:  driver,
		storage: counters,
	}, nil
}

// OpenOutbox opens the Pebble store under cfg.DataDir and the outbox on top
// of it. metrics may be nil. The caller closes the returned DB.
func OpenOutbox(cfg cfgpkg.Config, logger logpkg.Logger, metrics pebblestore.MetricsHook) (*pebblestore.DB, *outbox.Store, error) {
	if logger == nil {
		logger = logpkg.NewNop()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	fsync, err := pebblestore.ParseFsyncMode(cfg.Fsync)
	if err != nil {
		return nil, nil, err
	}
	db, err := pebblestore.Open(pebblestore.Options{DataDir: filepath.Join(cfg.DataDir, "outbox"), Fsync: fsync, Metrics: metrics})
	if err != nil {
		return nil, nil, err
	}
	store, err := outbox.Open(db, outbox.Options{
		MaxEntries: cfg.Outbox.MaxEntries,
		Eviction:   outbox.LogEvictions(logger.With(logpkg.Component("outbox"))),
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

// registration resolves the instance id: configured, else persisted in the
// data dir, else freshly generated and persisted.
func registration(cfg cfgpkg.Config) (transport.Registration, error) {
	reg := transport.Registration{InstanceID: cfg.Instance.ID, Label: cfg.Instance.Label, Version: Version}
	if reg.InstanceID != "" {
		return reg, nil
	}
	path := filepath.Join(cfg.DataDir, instanceIDFile)
	if b, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(b))
		if _, err := uuid.Parse(id); err == nil {
			reg.InstanceID = id
			return reg, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return reg, fmt.Errorf("runtime: read instance id: %w", err)
	}
	reg.InstanceID = uuid.NewString()
	if err := os.WriteFile(path, []byte(reg.InstanceID+"\n"), 0o644); err != nil {
		return reg, fmt.Errorf("runtime: persist instance id: %w", err)
	}
	return reg, nil
}

func buildDriver(cfg cfgpkg.Config, logger logpkg.Logger) (transport.Driver, error) {
	backoff := transport.Backoff{
		Min: time.Duration(cfg.Transport.BackoffMinMs) * time.Millisecond,
		Max: time.Duration(cfg.Transport.BackoffMaxMs) * time.Millisecond,
	}
	switch cfg.Transport.Kind {
	case "ws", "":
		var header http.Header
		if tok := cfg.Transport.WS.Token; tok != "" {
			header = http.Header{"Authorization": []string{"Bearer " + tok}}
		}
		return wstransport.New(wstransport.Options{
			URL:        cfg.Transport.WS.URL,
			Header:     header,
			AckTimeout: time.Duration(cfg.Transport.WS.AckTimeoutMs) * time.Millisecond,
			Backoff:    backoff,
			Logger:     logger,
		})
	case "kafka":
		return kafkatransport.New(kafkatransport.Options{
			Brokers:           cfg.Transport.Kafka.Brokers,
			EventsTopic:       cfg.Transport.Kafka.EventsTopic,
			RegistrationTopic: cfg.Transport.Kafka.RegistrationTopic,
			Backoff:           backoff,
			Logger:            logger,
		})
	default:
		return nil, fmt.Errorf("runtime: unknown transport %q", cfg.Transport.Kind)
	}
}

// Run drives the transport until ctx ends.
func (r *Runtime) Run(ctx context.Context) error {
	return r.driver.Run(ctx, r.session)
}

// Submit hands one record to the batching engine.
func (r *Runtime) Submit(rec event.Record) error {
	return r.engine.Submit(rec)
}

// Close flushes pending batches (buffering them when the transport is down),
// waits for a running drain, then closes storage.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.engine.Close(ctx)
	r.session.Wait()
	r.outbox.Close()
	if cerr := r.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Healthy()
}

// Status returns a snapshot of session and batching counters.
func (r *Runtime) Status() Status {
	return Status{
		Instance:  r.session.Registration(),
		Transport: r.driver.Name(),
		Session:   r.session.Stats(),
		Batcher:   r.engine.Stats(),
		Storage:   r.storage.Snapshot(),
	}
}

// Outbox exposes the durable queue for operator commands.
func (r *Runtime) Outbox() *outbox.Store { return r.outbox }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
