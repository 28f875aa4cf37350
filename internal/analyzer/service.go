package analyzer

import (
	"context"
	"log"
)

// Service is the facade in front of the engines: the primary engine (the
// configured LLM) when available, the heuristic fallback otherwise. The
// report records which engine produced it.
type Service struct {
	primary  Engine
	fallback Engine
}

// NewService creates the facade. primary may be nil when no LLM is
// configured; fallback must not be.
func NewService(primary Engine, fallback Engine) *Service {
	return &Service{primary: primary, fallback: fallback}
}

// Review runs the primary engine and falls back to the heuristic engine on
// failure. A cancelled context is not retried against the fallback: the
// caller's deadline is already spent.
func (s *Service) Review(ctx context.Context, req Request) (Report, error) {
	if s.primary != nil {
		report, err := s.primary.Review(ctx, req)
		if err == nil {
			return report, nil
		}
		if ctx.Err() != nil {
			return Report{}, err
		}
		log.Printf("analyzer: %s failed, falling back to %s: %v", s.primary.Name(), s.fallback.Name(), err)
	}
	return s.fallback.Review(ctx, req)
}
