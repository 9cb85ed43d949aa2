// Package preflight provides readiness checks for the directories, model
// tiers, and sync targets sieve depends on.
//
// The daemon runs the filesystem checks at startup and logs failures. The
// "sieve doctor" command runs everything, including network probes of each
// model tier and webhook target when asked.
//
// Probes are single attempts with short timeouts and never retry.
package preflight
