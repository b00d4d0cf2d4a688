package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fourma/bikelocator/internal/bikes"
	"github.com/fourma/bikelocator/internal/catalog"
	pkgredis "github.com/fourma/bikelocator/pkg/redis"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failGet bool
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return nil, errors.New("connection refused")
	}
	v, ok := s.data[key]
	if !ok {
		return nil, pkgredis.ErrMiss
	}
	return v, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *memStore) DeletePrefix(_ context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}

var (
	shanhai = catalog.Location{Name: "山海佳苑", Latitude: 35.77635370047299, Longitude: 120.02266514105418}
	xinnan  = catalog.Location{Name: "信息南楼", Latitude: 35.77257382743309, Longitude: 120.0306027206907}
)

func sample(total int) *bikes.Availability {
	return &bikes.Availability{
		Cars:  []bikes.Bike{{Number: "C7", Distance: 8.5, Latitude: 35.7764, Longitude: 120.0227}},
		Total: total,
	}
}

func TestKeyIsPerLocation(t *testing.T) {
	assert.True(t, strings.HasPrefix(Key(shanhai), "bikes:"))
	assert.Len(t, Key(shanhai), len("bikes:")+cellPrecision)
	assert.Equal(t, Key(shanhai), Key(shanhai))
	assert.NotEqual(t, Key(shanhai), Key(xinnan))
}

func TestGetOrFetch(t *testing.T) {
	store := newMemStore()
	c := New(store, 30*time.Second, nil)

	calls := 0
	fetch := func(context.Context, catalog.Location) (*bikes.Availability, error) {
		calls++
		return sample(4), nil
	}

	got, hit, err := c.GetOrFetch(context.Background(), shanhai, fetch)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 4, got.Total)
	assert.Equal(t, 30*time.Second, store.ttls[Key(shanhai)])

	got, hit, err = c.GetOrFetch(context.Background(), shanhai, fetch)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, sample(4), got)
	assert.Equal(t, 1, calls)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestFetchErrorsAreNotCached(t *testing.T) {
	store := newMemStore()
	c := New(store, time.Minute, nil)
	boom := errors.New("upstream down")

	_, _, err := c.GetOrFetch(context.Background(), xinnan, func(context.Context, catalog.Location) (*bikes.Availability, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.data)
}

func TestStoreFailureFallsThrough(t *testing.T) {
	store := newMemStore()
	store.failGet = true
	c := New(store, time.Minute, nil)

	got, hit, err := c.GetOrFetch(context.Background(), xinnan, func(context.Context, catalog.Location) (*bikes.Availability, error) {
		return sample(2), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, got.Total)
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	store := newMemStore()
	store.data[Key(xinnan)] = []byte("{not json")
	c := New(store, time.Minute, nil)

	_, ok := c.Get(context.Background(), xinnan)
	assert.False(t, ok)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	c := New(newMemStore(), time.Minute, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context, catalog.Location) (*bikes.Availability, error) {
		calls.Add(1)
		<-release
		return sample(9), nil
	}

	var wg sync.WaitGroup
	results := make([]*bikes.Availability, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, _, err := c.GetOrFetch(context.Background(), shanhai, fetch)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2))
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, 9, r.Total)
	}
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	c := New(newMemStore(), time.Minute, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var fetchErr atomic.Value
	fetch := func(ctx context.Context, _ catalog.Location) (*bikes.Availability, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			fetchErr.Store(err)
			return nil, err
		}
		return sample(4), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrFetch(ctx, shanhai, fetch)
		firstErr <- err
	}()
	<-started

	second := make(chan *bikes.Availability, 1)
	go func() {
		got, _, err := c.GetOrFetch(context.Background(), shanhai, fetch)
		assert.NoError(t, err)
		second <- got
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case got := <-second:
		require.NotNil(t, got)
		assert.Equal(t, 4, got.Total)
	case <-time.After(time.Second):
		t.Fatal("coalesced caller did not return")
	}
	assert.Nil(t, fetchErr.Load())
}

func TestSharedFetchIsBounded(t *testing.T) {
	c := New(newMemStore(), time.Minute, nil, WithFetchTimeout(20*time.Millisecond))

	_, _, err := c.GetOrFetch(context.Background(), xinnan,
		func(ctx context.Context, _ catalog.Location) (*bikes.Availability, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidate(t *testing.T) {
	store := newMemStore()
	store.data["other:key"] = []byte("x")
	c := New(store, time.Minute, nil)
	c.Set(context.Background(), shanhai, sample(1))
	c.Set(context.Background(), xinnan, sample(1))

	require.NoError(t, c.Invalidate(context.Background()))
	assert.Equal(t, map[string][]byte{"other:key": []byte("x")}, store.data)
}
