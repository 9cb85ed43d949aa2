// Package notifications delivers operator alerts via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Alerts are always
// recorded in the store first; a notification is a best-effort copy.
package notifications
