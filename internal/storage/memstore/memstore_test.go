package memstore_test

import (
	"testing"

	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/myuser/cursordb/internal/storage/memstore"
	"github.com/myuser/cursordb/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, sch *schema.Schema) storage.Engine {
		s, err := memstore.Open(sch)
		require.NoError(t, err)
		return s
	})
}
