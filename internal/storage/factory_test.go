package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commgame/internal/model"
)

func TestNewStoreMemory(t *testing.T) {
	for _, kind := range []string{"", KindMemory, DefaultStoreKind} {
		store, err := NewStore(kind, "")
		require.NoError(t, err, kind)
		assert.IsType(t, &MemoryStore{}, store)
		assert.NoError(t, CloseIfSupported(store))
	}
}

func TestNewStoreRejectsBadBackend(t *testing.T) {
	_, err := NewStore("unknown", "")
	var cfgErr *model.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "store", cfgErr.Param)

	_, err = NewStore(KindSQLite, "")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "db_path", cfgErr.Param)
}
