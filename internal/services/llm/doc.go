// Package llm provides an OpenRouter chat client used as a model tier
// provider by the router.
//
// The client sends a system and user prompt requesting JSON output and
// returns the raw content plus token usage. It performs exactly one HTTP
// attempt per call and tags failures with services markers so the router can
// apply its own retry, breaker, and fallback policy:
//
//   - HTTP 429 becomes a services.RateLimitError honoring Retry-After.
//   - HTTP 408, 5xx, network timeouts, and empty content are transient.
//   - HTTP 401 and 403 are fatal configuration errors.
//
// DecodeJSON tolerates code fences and leading prose around the JSON
// payload, which several hosted models emit despite json_object mode.
package llm
