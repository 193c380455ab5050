// Package config loads and validates the remd configuration file. The
// configuration is read once at startup and treated as immutable afterwards.
package config
