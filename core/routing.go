package core

import (
	"fmt"
	"strings"
)

// ResolveCandidates builds the ordered, de-duplicated candidate list for req:
// the preferred candidates (explicit hint, else the task category route)
// followed by the fallback chain when fallback is enabled.
func (c Config) ResolveCandidates(req InvocationRequest) ([]Candidate, error) {
	preferred := []CandidateConfig{}
	if hint := normalizeProviderID(req.ProviderHint); hint != "" {
		if _, ok := c.Provider(hint); !ok {
			return nil, NewProviderNotFoundError(hint)
		}
		preferred = append(preferred, CandidateConfig{Provider: hint, Tier: req.TierHint})
	} else if category := strings.TrimSpace(strings.ToLower(req.Category)); category != "" {
		if route, ok := c.route(category); ok {
			preferred = append(preferred, route.Candidates...)
		}
	}

	ordered := append([]CandidateConfig(nil), preferred...)
	if c.Routing.Fallback.IsEnabled() {
		ordered = append(ordered, c.Routing.Fallback.Chain...)
	}

	seen := map[string]struct{}{}
	out := make([]Candidate, 0, len(ordered))
	for _, entry := range ordered {
		candidate, err := c.candidate(entry)
		if err != nil {
			return nil, err
		}
		key := candidate.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, candidate)
	}
	if len(out) == 0 {
		return nil, NewBadInputError("core: no routing candidates for request")
	}
	return out, nil
}

func (c Config) route(category string) (RouteConfig, bool) {
	for name, route := range c.Routing.TaskRouting {
		if strings.TrimSpace(strings.ToLower(name)) == category {
			return route, true
		}
	}
	return RouteConfig{}, false
}

func (c Config) candidate(entry CandidateConfig) (Candidate, error) {
	providerID := normalizeProviderID(entry.Provider)
	provider, ok := c.Provider(providerID)
	if !ok {
		return Candidate{}, NewProviderNotFoundError(providerID)
	}
	tier, ok := provider.Tier(entry.Tier)
	if !ok {
		return Candidate{}, NewBadInputError(fmt.Sprintf("core: provider %q has no tier %q", providerID, entry.Tier))
	}
	return Candidate{
		ProviderID: providerID,
		Tier:       normalizeTier(tier.Name),
		Model:      strings.TrimSpace(tier.Model),
	}, nil
}
