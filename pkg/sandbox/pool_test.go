package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepHash(t *testing.T) {
	a := DepHash(map[string]string{"lodash": "4.17.21", "axios": "1.6.0"})
	b := DepHash(map[string]string{"axios": "1.6.0", "lodash": "4.17.21"})
	assert.Equal(t, a, b, "hash must be independent of map order")
	assert.Len(t, a, 16)

	c := DepHash(map[string]string{"axios": "1.7.0", "lodash": "4.17.21"})
	assert.NotEqual(t, a, c, "version change must change the hash")

	assert.Equal(t, "no-deps", DepHash(nil))
	assert.Equal(t, "no-deps", DepHash(map[string]string{}))
}

func TestPoolAcquire_NoDeps(t *testing.T) {
	pool, err := NewPool(t.TempDir())
	require.NoError(t, err)
	defer pool.Close()

	dir, release, err := pool.Acquire(context.Background(), nil)
	require.NoError(t, err)
	defer release()

	assert.DirExists(t, dir)
	assert.Equal(t, 1, pool.EntryCount())

	// Same dependency set reuses the entry.
	dir2, release2, err := pool.Acquire(context.Background(), nil)
	require.NoError(t, err)
	defer release2()
	assert.Equal(t, dir, dir2)
	assert.Equal(t, 1, pool.EntryCount())
}

func TestPoolSweep_IdleEviction(t *testing.T) {
	pool, err := NewPool(t.TempDir())
	require.NoError(t, err)
	defer pool.Close()

	current := time.Now()
	pool.now = func() time.Time { return current }

	_, release, err := pool.Acquire(context.Background(), nil)
	require.NoError(t, err)
	release()

	// Still fresh.
	current = current.Add(entryTTL - time.Second)
	pool.Sweep()
	assert.Equal(t, 1, pool.EntryCount())

	// Past the idle TTL.
	current = current.Add(2 * time.Second)
	pool.Sweep()
	assert.Equal(t, 0, pool.EntryCount())
}

func TestPoolSweep_UseCountEviction(t *testing.T) {
	pool, err := NewPool(t.TempDir())
	require.NoError(t, err)
	defer pool.Close()

	for i := 0; i < maxUseCount; i++ {
		_, release, err := pool.Acquire(context.Background(), nil)
		require.NoError(t, err)
		release()
	}

	pool.Sweep()
	assert.Equal(t, 0, pool.EntryCount(), "entry at the use ceiling is retired")
}

func TestPoolAcquire_UseCountRetiresInline(t *testing.T) {
	pool, err := NewPool(t.TempDir())
	require.NoError(t, err)
	defer pool.Close()

	var dir string
	for i := 0; i < maxUseCount; i++ {
		var release func()
		dir, release, err = pool.Acquire(context.Background(), nil)
		require.NoError(t, err)
		release()
	}

	// The acquire past the ceiling must not reuse the worn tree.
	fresh, release, err := pool.Acquire(context.Background(), nil)
	require.NoError(t, err)
	defer release()

	assert.NotEqual(t, dir, fresh)
	assert.NoDirExists(t, dir, "retired tree is removed")
	assert.DirExists(t, fresh)
	assert.Equal(t, 1, pool.EntryCount())
}

func TestPoolAcquire_IdleRetiresInline(t *testing.T) {
	pool, err := NewPool(t.TempDir())
	require.NoError(t, err)
	defer pool.Close()

	current := time.Now()
	pool.now = func() time.Time { return current }

	dir, release, err := pool.Acquire(context.Background(), nil)
	require.NoError(t, err)
	release()

	current = current.Add(entryTTL + time.Second)
	fresh, release2, err := pool.Acquire(context.Background(), nil)
	require.NoError(t, err)
	defer release2()

	assert.NotEqual(t, dir, fresh)
	assert.NoDirExists(t, dir)
	assert.DirExists(t, fresh)
}

func TestPoolSweep_DefersRemovalWhileInUse(t *testing.T) {
	pool, err := NewPool(t.TempDir())
	require.NoError(t, err)
	defer pool.Close()

	current := time.Now()
	pool.now = func() time.Time { return current }

	dir, release, err := pool.Acquire(context.Background(), nil)
	require.NoError(t, err)

	current = current.Add(entryTTL + time.Second)
	pool.Sweep()

	// Retired from the cache, but the running execution keeps the
	// directory alive until it releases.
	assert.Equal(t, 0, pool.EntryCount())
	assert.DirExists(t, dir)

	release()
	assert.NoDirExists(t, dir)
}

func TestPoolAcquire_FailedInstallNotCached(t *testing.T) {
	pool, err := NewPool(t.TempDir())
	require.NoError(t, err)
	defer pool.Close()
	pool.npmPath = "definitely-not-npm"

	deps := map[string]string{"lodash": "4.17.21"}
	_, _, err = pool.Acquire(context.Background(), deps)
	require.Error(t, err)

	// The failed slot must not stick around poisoned.
	assert.Equal(t, 0, pool.EntryCount())
}
