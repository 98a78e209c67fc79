package skills

import "fmt"

const generalDefaultCode = "general-default"

// Router selects a skill for a requirement, either because the caller
// pinned a skill_code or by the highest score clearing fallback_threshold.
type Router struct {
	registry  *Registry
	threshold float64
}

// NewRouter builds a Router backed by registry, falling back to
// general-default whenever the best score is below threshold.
func NewRouter(registry *Registry, threshold float64) *Router {
	return &Router{registry: registry, threshold: threshold}
}

// Select returns the chosen skill and, when a fallback happened, a
// human-readable reason describing why.
func (r *Router) Select(requirement string, files []string, skillCode string) (Skill, string, error) {
	if skillCode != "" {
		s, err := r.registry.Get(skillCode)
		if err != nil {
			return nil, "", err
		}
		return s, "", nil
	}

	type scored struct {
		score float64
		skill Skill
	}
	var candidates []scored
	for _, s := range r.registry.All() {
		if s.Descriptor().Code == generalDefaultCode {
			continue
		}
		candidates = append(candidates, scored{score: s.Score(requirement, files), skill: s})
	}
	if len(candidates) == 0 {
		fallback, err := r.registry.Get(generalDefaultCode)
		if err != nil {
			return nil, "", err
		}
		return fallback, "no skill registered, fallback to general-default", nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
		}
	}
	if best.score < r.threshold {
		fallback, err := r.registry.Get(generalDefaultCode)
		if err != nil {
			return nil, "", err
		}
		reason := fmt.Sprintf("max score %.2f below threshold %.2f", best.score, r.threshold)
		return fallback, reason, nil
	}
	return best.skill, "", nil
}
