package builtin

import (
	"context"
	"testing"

	"autopilot/internal/knowledge"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_ParsesEveryEmbeddedFile(t *testing.T) {
	snippets, err := Loader().Load(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, snippets)

	seen := map[string]bool{}
	for _, sn := range snippets {
		assert.Equal(t, knowledge.TierBuiltIn, sn.Tier)
		assert.NotEmpty(t, sn.Title, sn.SourcePath)
		assert.NotEmpty(t, sn.Body, sn.SourcePath)
		assert.False(t, seen[sn.ID], "duplicate id %s", sn.ID)
		seen[sn.ID] = true
	}

	store := knowledge.NewStore()
	require.NoError(t, store.Load(knowledge.TierBuiltIn, snippets))
}

func TestLoader_HasSecurityAuthSnippet(t *testing.T) {
	snippets, err := Loader().Load(context.Background())
	require.NoError(t, err)

	var found bool
	for _, sn := range snippets {
		if sn.Key() == (knowledge.Key{Category: "security", Title: "auth"}) {
			found = true
		}
	}
	assert.True(t, found)
}
