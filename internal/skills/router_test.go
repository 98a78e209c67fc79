package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterHonorsExplicitSkillCode(t *testing.T) {
	r := NewRouter(NewRegistry(), 0.45)
	s, reason, err := r.Select("anything at all", nil, "ppt")
	require.NoError(t, err)
	assert.Equal(t, "ppt", s.Descriptor().Code)
	assert.Empty(t, reason)
}

func TestRouterRejectsUnknownExplicitSkillCode(t *testing.T) {
	r := NewRouter(NewRegistry(), 0.45)
	_, _, err := r.Select("anything", nil, "not-a-skill")
	assert.Error(t, err)
}

func TestRouterPicksHighestScoringSkill(t *testing.T) {
	r := NewRouter(NewRegistry(), 0.45)
	s, reason, err := r.Select(
		"please build a slide deck presentation for our quarterly review",
		[]string{"cover.png", "logo.svg"},
		"",
	)
	require.NoError(t, err)
	assert.Equal(t, "ppt", s.Descriptor().Code)
	assert.Empty(t, reason)
}

func TestRouterFallsBackBelowThreshold(t *testing.T) {
	r := NewRouter(NewRegistry(), 0.45)
	s, reason, err := r.Select("do something vague", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "general-default", s.Descriptor().Code)
	assert.NotEmpty(t, reason)
}
