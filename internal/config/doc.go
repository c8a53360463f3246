// Package config loads the trased configuration from defaults, an optional
// YAML file and TRASE_* environment variables, and validates that the
// selected storage, event and auth drivers are usable.
package config
