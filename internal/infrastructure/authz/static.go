package authz

import (
	"context"
	"strings"
)

// Static grants the arbitrator role to a fixed set of identities.
type Static struct {
	arbitrators map[string]struct{}
}

func NewStatic(identities []string) *Static {
	s := &Static{arbitrators: make(map[string]struct{}, len(identities))}
	for _, id := range identities {
		if id = strings.TrimSpace(id); id != "" {
			s.arbitrators[id] = struct{}{}
		}
	}
	return s
}

func (s *Static) IsArbitrator(ctx context.Context, identity string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := s.arbitrators[identity]
	return ok, nil
}
