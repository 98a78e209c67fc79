package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPrePopulatesBuiltins(t *testing.T) {
	r := NewRegistry()
	codes := make([]string, 0)
	for _, d := range r.ListDescriptors() {
		codes = append(codes, d.Code)
	}
	assert.Equal(t, []string{"general-default", "data-analysis", "ppt"}, codes)
}

func TestRegistryGetUnknownCode(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("does-not-exist")
	assert.Error(t, err)
}

func TestRegistryGetKnownCode(t *testing.T) {
	r := NewRegistry()
	s, err := r.Get("ppt")
	require.NoError(t, err)
	assert.Equal(t, "ppt", s.Descriptor().Code)
}
