// Package config loads process settings from RESILIENCE_* environment variables.
package config
