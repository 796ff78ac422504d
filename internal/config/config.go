package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/policy"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir  string         `json:"dataDir" yaml:"dataDir" env:"DATA_DIR"`
	Fsync    string         `json:"fsync" yaml:"fsync" env:"FSYNC"`
	Instance InstanceConfig `json:"instance" yaml:"instance" envPrefix:"INSTANCE_"`
	Policy   PolicyConfig   `json:"policy" yaml:"policy" envPrefix:"POLICY_"`
	Drain    DrainConfig    `json:"drain" yaml:"drain" envPrefix:"DRAIN_"`
	Outbox   OutboxConfig   `json:"outbox" yaml:"outbox" envPrefix:"OUTBOX_"`
	// Transport selects the driver: "ws" or "kafka".
	Transport TransportConfig `json:"transport" yaml:"transport" envPrefix:"TRANSPORT_"`
	Log       LogConfig       `json:"log" yaml:"log" envPrefix:"LOG_"`
	// StatusAddr is the listen address of the local status server; empty disables it.
	StatusAddr string `json:"statusAddr" yaml:"statusAddr" env:"STATUS_ADDR"`
}

// InstanceConfig identifies this producer to the backend.
type InstanceConfig struct {
	// ID defaults to a random UUID persisted next to the outbox.
	ID    string `json:"id" yaml:"id" env:"ID"`
	Label string `json:"label" yaml:"label" env:"LABEL"`
}

// PolicyConfig is the ordered rule list plus the fallback. It is set from
// files only; no environment variable maps onto it.
type PolicyConfig struct {
	Default Limits       `json:"default" yaml:"default"`
	Rules   []RuleConfig `json:"rules" yaml:"rules"`
}

// Limits is the configuration form of a policy. MaxBatchSize 1 means immediate.
type Limits struct {
	MaxBatchSize int   `json:"maxBatchSize" yaml:"maxBatchSize"`
	MaxWaitMs    int64 `json:"maxWaitMs" yaml:"maxWaitMs"`
}

// RuleConfig matches when every set selector matches: Categories (any of),
// Prefix, Expr (CEL over category, family, scope).
type RuleConfig struct {
	Name       string   `json:"name" yaml:"name"`
	Categories []string `json:"categories,omitempty" yaml:"categories,omitempty"`
	Prefix     string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Expr       string   `json:"expr,omitempty" yaml:"expr,omitempty"`
	Limits     `yaml:",inline"`
}

type DrainConfig struct {
	PageSize    int   `json:"pageSize" yaml:"pageSize" env:"PAGE_SIZE"`
	PageDelayMs int64 `json:"pageDelayMs" yaml:"pageDelayMs" env:"PAGE_DELAY_MS"`
}

type OutboxConfig struct {
	MaxEntries int `json:"maxEntries" yaml:"maxEntries" env:"MAX_ENTRIES"`
}

type TransportConfig struct {
	Kind  string      `json:"kind" yaml:"kind" env:"KIND"`
	WS    WSConfig    `json:"ws" yaml:"ws" envPrefix:"WS_"`
	Kafka KafkaConfig `json:"kafka" yaml:"kafka" envPrefix:"KAFKA_"`
	// BackoffMinMs and BackoffMaxMs bound reconnect delays.
	BackoffMinMs int64 `json:"backoffMinMs" yaml:"backoffMinMs" env:"BACKOFF_MIN_MS"`
	BackoffMaxMs int64 `json:"backoffMaxMs" yaml:"backoffMaxMs" env:"BACKOFF_MAX_MS"`
}

type WSConfig struct {
	URL          string `json:"url" yaml:"url" env:"URL"`
	Token        string `json:"token,omitempty" yaml:"token,omitempty" env:"TOKEN"`
	AckTimeoutMs int64  `json:"ackTimeoutMs" yaml:"ackTimeoutMs" env:"ACK_TIMEOUT_MS"`
}

type KafkaConfig struct {
	Brokers           []string `json:"brokers" yaml:"brokers" env:"BROKERS" envSeparator:","`
	EventsTopic       string   `json:"eventsTopic" yaml:"eventsTopic" env:"EVENTS_TOPIC"`
	RegistrationTopic string   `json:"registrationTopic" yaml:"registrationTopic" env:"REGISTRATION_TOPIC"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// Default returns built-in defaults. The policy rules mirror policy.DefaultTable.
func Default() Config {
	return Config{
		Fsync:    "always",
		Instance: InstanceConfig{Label: hostname()},
		Policy: PolicyConfig{
			Default: Limits{MaxBatchSize: 20, MaxWaitMs: 5000},
			Rules: []RuleConfig{
				{Name: "critical", Categories: []string{
					string(event.MemberJoin), string(event.MemberLeave),
					string(event.ScopeJoin), string(event.ScopeLeave),
					string(event.ModerationBan), string(event.ModerationUnban),
				}, Limits: Limits{MaxBatchSize: 1}},
				{Name: "text-message", Prefix: "message.", Limits: Limits{MaxBatchSize: 50, MaxWaitMs: 2000}},
				{Name: "reaction", Prefix: "reaction.", Limits: Limits{MaxBatchSize: 100, MaxWaitMs: 3000}},
				{Name: "voice", Prefix: "voice.", Limits: Limits{MaxBatchSize: 10, MaxWaitMs: 1000}},
				{Name: "presence", Categories: []string{string(event.PresenceUpdate)}, Limits: Limits{MaxBatchSize: 200, MaxWaitMs: 10000}},
			},
		},
		Drain:  DrainConfig{PageSize: 100, PageDelayMs: 250},
		Outbox: OutboxConfig{MaxEntries: 100000},
		Transport: TransportConfig{
			Kind:         "ws",
			WS:           WSConfig{AckTimeoutMs: 10000},
			Kafka:        KafkaConfig{EventsTopic: "courier.events", RegistrationTopic: "courier.registrations"},
			BackoffMinMs: 500,
			BackoffMaxMs: 30000,
		},
		Log:        LogConfig{Level: "info", Format: "text"},
		StatusAddr: "127.0.0.1:8787",
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "courier"
	}
	return h
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	// a file that lists rules replaces the default rule set
	cfg.Policy.Rules = nil
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if cfg.Policy.Rules == nil {
		cfg.Policy.Rules = Default().Policy.Rules
	}
	return cfg, nil
}

// Save writes cfg to path as YAML or JSON (by extension). It refuses to
// overwrite an existing file.
func Save(path string, cfg Config) error {
	var (
		b   []byte
		err error
	)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(cfg)
	default:
		b, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Validate reports every problem at once, each wrapped in ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if _, err := c.PolicyTable(); err != nil {
		bad("policy: %v", err)
	}
	if c.Drain.PageSize < 1 {
		bad("drain.pageSize must be >= 1")
	}
	if c.Drain.PageDelayMs < 0 {
		bad("drain.pageDelayMs must be >= 0")
	}
	if c.Outbox.MaxEntries < 0 {
		bad("outbox.maxEntries must be >= 0")
	}
	if c.Instance.ID != "" {
		if _, err := uuid.Parse(c.Instance.ID); err != nil {
			bad("instance.id must be a UUID: %v", err)
		}
	}
	switch c.Transport.Kind {
	case "ws":
		if c.Transport.WS.URL == "" {
			bad("transport.ws.url required")
		}
	case "kafka":
		if len(c.Transport.Kafka.Brokers) == 0 {
			bad("transport.kafka.brokers required")
		}
		if c.Transport.Kafka.EventsTopic == "" {
			bad("transport.kafka.eventsTopic required")
		}
	default:
		bad("transport.kind must be ws or kafka, got %q", c.Transport.Kind)
	}
	return errors.Join(errs...)
}

// PolicyTable builds the ordered rule table.
func (c Config) PolicyTable() (*policy.Table, error) {
	def, err := policy.FromLimits(c.Policy.Default.MaxBatchSize, c.Policy.Default.MaxWaitMs)
	if err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	rules := make([]policy.Rule, 0, len(c.Policy.Rules))
	for i, rc := range c.Policy.Rules {
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		p, err := policy.FromLimits(rc.MaxBatchSize, rc.MaxWaitMs)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		var preds []policy.Predicate
		if len(rc.Categories) > 0 {
			cats := make([]event.Category, len(rc.Categories))
			for j, s := range rc.Categories {
				cats[j] = event.Category(s)
				if !cats[j].Valid() {
					return nil, fmt.Errorf("rule %s: unknown category %q", name, s)
				}
			}
			preds = append(preds, policy.CategoryIn(cats...))
		}
		if rc.Prefix != "" {
			preds = append(preds, policy.CategoryPrefix(rc.Prefix))
		}
		if rc.Expr != "" {
			pred, err := policy.CELPredicate(rc.Expr)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", name, err)
			}
			preds = append(preds, pred)
		}
		if len(preds) == 0 {
			return nil, fmt.Errorf("rule %s: needs categories, prefix or expr", name)
		}
		rules = append(rules, policy.Rule{Name: name, Match: policy.All(preds...), Policy: p})
	}
	return policy.NewTable(def, rules...)
}

// PageDelay returns the drain pause as a duration.
func (d DrainConfig) PageDelay() time.Duration {
	return time.Duration(d.PageDelayMs) * time.Millisecond
}
