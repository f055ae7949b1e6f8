package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/myuser/cursordb/internal/schema"
	"github.com/myuser/cursordb/internal/storage"
	"github.com/myuser/cursordb/internal/storage/sqlstore"
	"github.com/myuser/cursordb/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, sch *schema.Schema) storage.Engine {
		s, err := sqlstore.Open(":memory:", sch)
		require.NoError(t, err)
		return s
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "people.db")
	s, err := sqlstore.Open(dsn, storagetest.PeopleSchema())
	require.NoError(t, err)
	storagetest.Load(t, s, "people", storagetest.People()...)
	require.NoError(t, s.Close())

	s, err = sqlstore.Open(dsn, storagetest.PeopleSchema())
	require.NoError(t, err)
	defer s.Close()
	tx, err := s.Begin(ctx, []string{"people"}, storage.ReadOnly)
	require.NoError(t, err)
	defer tx.Abort()
	rec, ok, err := tx.Get(ctx, "people", 4)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", rec["first"])
}
