package usecase

import "github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"

// ReadinessCheck represents a single readiness probe result used by handlers.
type ReadinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// Pinger is the liveness surface of a backing dependency.
type Pinger interface {
	Ping(ctx domain.Context) error
}

// HealthService aggregates dependency probes for the health and readiness
// endpoints. Nil dependencies report as failing rather than panicking.
type HealthService struct {
	DB     Pinger
	Broker Pinger
}

// NewHealthService constructs a HealthService over the two stateful
// dependencies.
func NewHealthService(db, broker Pinger) HealthService {
	return HealthService{DB: db, Broker: broker}
}

// Readiness probes every dependency and reports per-dependency results.
func (s HealthService) Readiness(ctx domain.Context) []ReadinessCheck {
	return []ReadinessCheck{
		probe(ctx, "postgres", s.DB),
		probe(ctx, "redis", s.Broker),
	}
}

// Healthy reports whether every check passed.
func Healthy(checks []ReadinessCheck) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}

func probe(ctx domain.Context, name string, p Pinger) ReadinessCheck {
	if p == nil {
		return ReadinessCheck{Name: name, Details: "not configured"}
	}
	if err := p.Ping(ctx); err != nil {
		return ReadinessCheck{Name: name, Details: err.Error()}
	}
	return ReadinessCheck{Name: name, OK: true}
}
