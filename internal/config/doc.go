// Package config loads the ClassPulse client configuration from a YAML file,
// layers environment overrides on top, and supports hot reload of the file.
// Missing fields are filled with defaults before validation.
package config
