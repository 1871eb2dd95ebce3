package asynclock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSerializesFIFO(t *testing.T) {
	l := New()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		// stagger submission so queue order is deterministic
		time.Sleep(time.Millisecond)
		go func() {
			defer wg.Done()
			_, err := Acquire[struct{}](context.Background(), l, Options{}, func(ctx context.Context) (struct{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return struct{}{}, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, order, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAcquireTimeoutDoesNotLeakLock(t *testing.T) {
	l := New()

	blockRelease := make(chan struct{})
	holderStarted := make(chan struct{})
	go func() {
		_, _ = Acquire[struct{}](context.Background(), l, Options{}, func(ctx context.Context) (struct{}, error) {
			close(holderStarted)
			<-blockRelease
			return struct{}{}, nil
		})
	}()
	<-holderStarted

	_, err := Acquire[struct{}](context.Background(), l, Options{Timeout: 20 * time.Millisecond}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	close(blockRelease)

	// the lock must still be usable afterward.
	got, err := Acquire[string](context.Background(), l, Options{}, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestAcquireCanceledContext(t *testing.T) {
	l := New()

	blockRelease := make(chan struct{})
	holderStarted := make(chan struct{})
	go func() {
		_, _ = Acquire[struct{}](context.Background(), l, Options{}, func(ctx context.Context) (struct{}, error) {
			close(holderStarted)
			<-blockRelease
			return struct{}{}, nil
		})
	}()
	<-holderStarted

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Acquire[struct{}](ctx, l, Options{}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, ErrCanceled)
	close(blockRelease)
}
