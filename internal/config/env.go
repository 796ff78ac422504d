package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment variable, e.g. COURIER_DRAIN_PAGE_SIZE.
const EnvPrefix = "COURIER_"

// FromEnv overlays COURIER_* environment variables onto cfg. Unset variables
// leave the current value untouched.
func FromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	return nil
}
