package credentials

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/crawl"
)

type stubClient struct {
	key string
}

func (c *stubClient) Search(context.Context, crawl.SearchQuery) (crawl.SearchPage, error) {
	return crawl.SearchPage{}, nil
}

func (c *stubClient) VideoLookup(context.Context, []string) (map[string]crawl.VideoDetails, int, error) {
	return nil, 0, nil
}

func (c *stubClient) ChannelLookup(context.Context, string) (crawl.ChannelInfo, int, error) {
	return crawl.ChannelInfo{}, 0, nil
}

func (c *stubClient) CommentLookup(context.Context, string, int64) ([]crawl.Comment, int, error) {
	return nil, 0, nil
}

func newTestPool(t *testing.T, keys []string) (*Pool, *int) {
	t.Helper()
	builds := 0
	pool, err := New(keys, 0, func(key string) (crawl.APIClient, error) {
		builds++
		return &stubClient{key: key}, nil
	}, zap.NewNop())
	require.NoError(t, err)
	return pool, &builds
}

func TestPool_ClientReusesHandleUntilRotation(t *testing.T) {
	t.Parallel()

	pool, builds := newTestPool(t, []string{"key-a", "key-b"})

	h1, err := pool.Client(nil)
	require.NoError(t, err)
	h2, err := pool.Client(h1)
	require.NoError(t, err)
	require.Same(t, h1, h2)
	require.Equal(t, 1, *builds)

	require.True(t, pool.TryAdvance(h1.Index()))

	h3, err := pool.Client(h1)
	require.NoError(t, err)
	require.NotSame(t, h1, h3)
	require.Equal(t, 1, h3.Index())
	require.Equal(t, 2, *builds)
}

func TestPool_TryAdvanceConcurrentCallersRotateOnce(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, []string{"a", "b", "c", "d"})

	// N callers all observed index 0; the pool must advance by 1, not N.
	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.TryAdvance(0)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, pool.ActiveIndex())
	require.Equal(t, 1, pool.Version())
}

func TestPool_ExhaustionPropagatesDistinctError(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, []string{"only"})

	require.False(t, pool.TryAdvance(0))

	_, err := pool.Client(nil)
	require.ErrorIs(t, err, crawl.ErrPoolExhausted)
}

func TestPool_ResetRestoresExhaustedPool(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(t, []string{"a", "b"})

	h, err := pool.Client(nil)
	require.NoError(t, err)
	require.True(t, pool.TryAdvance(0))
	require.False(t, pool.TryAdvance(1))

	_, err = pool.Client(nil)
	require.ErrorIs(t, err, crawl.ErrPoolExhausted)

	pool.Reset()
	require.Equal(t, 0, pool.ActiveIndex())

	// Stale handles are invalidated, not reused.
	h2, err := pool.Client(h)
	require.NoError(t, err)
	require.NotSame(t, h, h2)
	require.Equal(t, 0, h2.Index())
}

func TestPool_ConcurrentClientsShareConstruction(t *testing.T) {
	t.Parallel()

	pool, builds := newTestPool(t, []string{"a", "b"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Client(nil)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, *builds)
}
