package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLobbyStoreCRUD(t *testing.T) {
	ls, err := Open("")
	require.NoError(t, err)
	defer ls.Close()

	a := LobbyRecord{ID: uuid.New(), Name: "alpha", Capacity: 4, CreatedAt: 100}
	b := LobbyRecord{ID: uuid.New(), Name: "beta", Capacity: 8, CreatedAt: 50}
	require.NoError(t, ls.Put(a))
	require.NoError(t, ls.Put(b))

	err = ls.Put(a)
	assert.True(t, errors.Is(err, ErrExists))

	got, err := ls.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	all, err := ls.List()
	require.NoError(t, err)
	assert.Equal(t, []LobbyRecord{b, a}, all)

	require.NoError(t, ls.Delete(a.ID))
	_, err = ls.Get(a.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, ls.Delete(a.ID))
}

func TestLobbyStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	ls, err := Open(dir)
	require.NoError(t, err)
	rec := LobbyRecord{ID: uuid.New(), Name: "persistent", Capacity: 2}
	require.NoError(t, ls.Put(rec))
	require.NoError(t, ls.Close())

	ls, err = Open(dir)
	require.NoError(t, err)
	defer ls.Close()

	all, err := ls.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "persistent", all[0].Name)
	assert.NotZero(t, all[0].CreatedAt)
}
