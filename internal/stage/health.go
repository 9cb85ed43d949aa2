package stage

import "sieve/internal/store"

// Health is a lane's readiness as its handler sees it.
type Health struct {
	Stage  store.Stage
	Ready  bool
	Detail string
}

func Healthy(s store.Stage) Health {
	return Health{Stage: s, Ready: true}
}

// Unhealthy marks a lane that is wired but cannot make progress.
func Unhealthy(s store.Stage, detail string) Health {
	return Health{Stage: s, Detail: detail}
}

// Missing marks a lane whose handler was built without a dependency.
func Missing(s store.Stage, dependency string) Health {
	return Unhealthy(s, dependency+" unavailable")
}
