package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/faas/pkg/storage"
	"github.com/cuemby/faas/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r, err := New(store)
	require.NoError(t, err)
	return r, store
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Register(types.FunctionConfig{Name: "hello"}, []byte("def handle(): pass"))
	require.NoError(t, err)

	cfg, err := r.Get("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", cfg.Name)
	assert.Equal(t, types.ExecutionModeProcess, cfg.ExecutionMode)

	code, err := r.GetCode("hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("def handle(): pass"), code.Source)
}

func TestRegisterDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(types.FunctionConfig{Name: "dup"}, nil))

	err := r.Register(types.FunctionConfig{Name: "dup"}, nil)
	assert.ErrorIs(t, err, types.ErrFunctionExists)
}

func TestGetNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, types.ErrFunctionNotFound)
}

func TestList(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(types.FunctionConfig{Name: "a"}, nil))
	require.NoError(t, r.Register(types.FunctionConfig{Name: "b"}, nil))

	names := r.List()
	assert.Len(t, names, 2)
	assert.Contains(t, names, "a")
	assert.Contains(t, names, "b")
}

func TestUpdate(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(types.FunctionConfig{Name: "f", MaxInstances: 5}, nil))

	updated := types.FunctionConfig{Name: "f", MaxInstances: 20}
	require.NoError(t, r.Update("f", &updated, []byte("new code")))

	cfg, err := r.Get("f")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.MaxInstances)

	code, err := r.GetCode("f")
	require.NoError(t, err)
	assert.Equal(t, []byte("new code"), code.Source)
}

func TestUpdateNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Update("ghost", &types.FunctionConfig{Name: "ghost"}, nil)
	assert.ErrorIs(t, err, types.ErrFunctionNotFound)
}

func TestRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(types.FunctionConfig{Name: "gone"}, nil))

	removed, err := r.Remove("gone")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = r.Get("gone")
	assert.ErrorIs(t, err, types.ErrFunctionNotFound)
}

func TestRemoveMissing(t *testing.T) {
	r, _ := newTestRegistry(t)
	removed, err := r.Remove("never-existed")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestReloadFromStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "registry.db")

	store, err := storage.NewBoltStore(dbPath)
	require.NoError(t, err)
	r1, err := New(store)
	require.NoError(t, err)
	require.NoError(t, r1.Register(types.FunctionConfig{Name: "persisted"}, []byte("code")))
	require.NoError(t, store.Close())

	reopened, err := storage.NewBoltStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	r2, err := New(reopened)
	require.NoError(t, err)
	cfg, err := r2.Get("persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", cfg.Name)
}
