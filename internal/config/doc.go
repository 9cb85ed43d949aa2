// Package config loads, normalizes, and validates sieve configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// SIEVE_LLM_API_KEY and SIEVE_EMBEDDING_API_KEY. The Config type centralizes
// every knob the daemon and CLI need: model tiers and prices, dedup and
// priority tuning, sources, and sync targets.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
