// Package config provides loading and environment overlay for courier
// configuration. It exposes a Default() baseline, Load for JSON/YAML files,
// FromEnv for COURIER_* variables and Validate.
//
// Example:
//
//	cfg, err := config.Load("/etc/courier.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.FromEnv(&cfg); err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	table, _ := cfg.PolicyTable()
package config
