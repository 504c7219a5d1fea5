package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePAK(t *testing.T) {
	t.Run("generates prefixed hex credentials", func(t *testing.T) {
		pak, err := GeneratePAK()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(pak, "pak_"))
		assert.Len(t, pak, len("pak_")+64)
	})

	t.Run("credentials are unique", func(t *testing.T) {
		a, err := GeneratePAK()
		require.NoError(t, err)
		b, err := GeneratePAK()
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}

func TestHashPAK(t *testing.T) {
	t.Run("is deterministic and hex encoded", func(t *testing.T) {
		h := HashPAK("pak_example")
		assert.Equal(t, h, HashPAK("pak_example"))
		assert.Len(t, h, 64)
		assert.NotEqual(t, h, HashPAK("pak_other"))
	})

	t.Run("never echoes the credential", func(t *testing.T) {
		pak, err := GeneratePAK()
		require.NoError(t, err)
		assert.NotContains(t, HashPAK(pak), pak)
	})
}
