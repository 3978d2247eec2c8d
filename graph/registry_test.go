package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry(t *testing.T) {
	stub := func(*zap.Logger) NodeExecutor { return &stubExecutor{} }

	t.Run("register and look up", func(t *testing.T) {
		reg := NewRegistry(zap.NewNop())
		reg.Register("transform", stub, CatalogEntry{Type: "transform", Name: "Transform"})

		factory, ok := reg.Executor("transform")
		require.True(t, ok)
		assert.NotNil(t, factory(zap.NewNop()))

		entry, ok := reg.Entry("transform")
		require.True(t, ok)
		assert.Equal(t, "Transform", entry.Name)

		_, ok = reg.Executor("missing")
		assert.False(t, ok)
	})

	t.Run("re-registration replaces the factory", func(t *testing.T) {
		reg := NewRegistry(zap.NewNop())
		reg.Register("transform", stub, CatalogEntry{Type: "transform", Name: "First"})
		reg.Register("transform", stub, CatalogEntry{Type: "transform", Name: "Second"})

		entry, ok := reg.Entry("transform")
		require.True(t, ok)
		assert.Equal(t, "Second", entry.Name)
		assert.Len(t, reg.Catalog(), 1)
	})

	t.Run("catalog preserves registration order", func(t *testing.T) {
		reg := NewRegistry(zap.NewNop())
		for _, id := range []string{"start", "transform", "end"} {
			reg.Register(id, stub, CatalogEntry{Type: id})
		}

		catalog := reg.Catalog()
		require.Len(t, catalog, 3)
		assert.Equal(t, "start", catalog[0].Type)
		assert.Equal(t, "transform", catalog[1].Type)
		assert.Equal(t, "end", catalog[2].Type)
	})

	t.Run("interactive flag", func(t *testing.T) {
		reg := NewRegistry(zap.NewNop())
		reg.Register("gate", stub, CatalogEntry{Type: "gate", Interactive: true})
		reg.Register("transform", stub, CatalogEntry{Type: "transform"})

		assert.True(t, reg.Interactive("gate"))
		assert.False(t, reg.Interactive("transform"))
		// Known interaction node types are interrupt points even without
		// a catalog flag.
		assert.True(t, reg.Interactive(NodeTypeApproval))
		assert.True(t, reg.Interactive(NodeTypeHumanInput))
	})
}
