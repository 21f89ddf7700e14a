package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := NewStore(db)
	require.NoError(t, err)
	return st
}

func TestLoadEmptyState(t *testing.T) {
	st := newTestStore(t)

	state, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, state.STAIP)
	assert.Nil(t, state.WifiCredentials)
}

func TestSaveRoundTrip(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Save(ConnectivityState{
		STAIP:           "192.168.1.50",
		Mode:            "sta",
		WifiCredentials: map[string]string{"home": "hunter22"},
	}))

	state, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", state.STAIP)
	assert.Equal(t, "sta", state.Mode)
	assert.Equal(t, "hunter22", state.WifiCredentials["home"])
	assert.False(t, state.UpdatedAt.IsZero())
}

func TestRecordSTAKeepsOtherCredentials(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.RecordSTA("192.168.1.50", "home", "hunter22"))
	require.NoError(t, st.RecordSTA("10.0.0.9", "field", "starparty"))

	state, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", state.STAIP)
	assert.Equal(t, "hunter22", state.WifiCredentials["home"])
	assert.Equal(t, "starparty", state.WifiCredentials["field"])
	assert.Empty(t, state.LastError)
}

func TestRecordErrorPreservesAddress(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.RecordSTA("192.168.1.50", "home", "hunter22"))
	require.NoError(t, st.RecordError("ble scan timed out"))

	state, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, "ble scan timed out", state.LastError)
	assert.Equal(t, "192.168.1.50", state.STAIP)

	// A later success clears the error.
	require.NoError(t, st.RecordSTA("192.168.1.50", "home", "hunter22"))
	state, err = st.Load()
	require.NoError(t, err)
	assert.Empty(t, state.LastError)
}

func TestEmptyCredentialsDropped(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Save(ConnectivityState{
		WifiCredentials: map[string]string{"home": "hunter22", "": "x", "open-net": ""},
	}))

	state, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"home": "hunter22"}, state.WifiCredentials)
}
