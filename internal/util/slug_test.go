package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugRoundTrip(t *testing.T) {
	cases := []struct {
		command, space, module string
	}{
		{"build", "api", "svc-a"},
		{"build", "api", ""},
		{"build", "", ""},
	}
	for _, c := range cases {
		slug := Slug(c.command, c.space, c.module)
		gotCommand, gotSpace, gotModule, ok := SplitSlug(slug)
		require.True(t, ok)
		assert.Equal(t, c.command, gotCommand)
		assert.Equal(t, c.space, gotSpace)
		assert.Equal(t, c.module, gotModule)
	}
}

func TestSplitSlugEmpty(t *testing.T) {
	_, _, _, ok := SplitSlug("")
	assert.False(t, ok)
}
