package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalogworker/internal/store"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return db
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSQLiteAcquireContention(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	l := NewSQLite(db)

	ok, err := l.Acquire(ctx, "import:a", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(ctx, "import:a", "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be denied while the lock is live")

	ok, err = l.Acquire(ctx, "import:b", "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")
}

func TestSQLiteExpiredLockIsReclaimed(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewSQLite(openDB(t))
	l.now = c.now

	ok, err := l.Acquire(ctx, "publication:p", "crashed", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	c.advance(29 * time.Second)
	ok, err = l.Acquire(ctx, "publication:p", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	c.advance(2 * time.Second)
	ok, err = l.Acquire(ctx, "publication:p", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The previous holder lost its lease and cannot renew it.
	ok, err = l.Renew(ctx, "publication:p", "crashed", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteRenewAndRelease(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewSQLite(openDB(t))
	l.now = c.now

	ok, err := l.Acquire(ctx, "import:a", "w1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	c.advance(8 * time.Second)
	ok, err = l.Renew(ctx, "import:a", "w1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	c.advance(8 * time.Second)
	ok, err = l.Acquire(ctx, "import:a", "w2", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "renewed lock must still be live")

	require.NoError(t, l.Release(ctx, "import:a"))
	require.NoError(t, l.Release(ctx, "import:a"), "release is safe when nothing is held")

	ok, err = l.Acquire(ctx, "import:a", "w2", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteSingleHolderAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	const workers = 4
	const rounds = 25
	var (
		holding  atomic.Int32
		maxHeld  atomic.Int32
		acquired atomic.Int32
		wg       sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		// Each simulated worker has its own manager, as separate processes would.
		l := NewSQLite(db)
		holder := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				ok, err := l.Acquire(ctx, "import:shared", holder, time.Minute)
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					continue
				}
				acquired.Add(1)
				n := holding.Add(1)
				for {
					m := maxHeld.Load()
					if n <= m || maxHeld.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				holding.Add(-1)
				if err := l.Release(ctx, "import:shared"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxHeld.Load())
	assert.Positive(t, acquired.Load())
}
