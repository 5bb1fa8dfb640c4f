package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	ok, err := db.Has([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = db.Get([]byte("missing"))
	require.Error(t, err)

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	ok, err = db.Has([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	val := []byte("mutable")
	require.NoError(t, db.Put([]byte("k"), val))
	val[0] = 'X'

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("mutable"), got)
}

func TestLevelDBRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	ok, err := db.Has([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	ok, err = db.Has([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)
}
