package turnlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "conv")
			if err != nil {
				t.Errorf("Lock failed: %v", err)
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, l.held(), "slots must be reclaimed once released")
}

func TestLocalIndependentKeys(t *testing.T) {
	l := NewLocal()
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	require.NoError(t, err, "different keys must not block each other")
	unlockB()
}

func TestLocalTimeout(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "conv")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "conv")
	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	unlock()
	unlock() // double release is a no-op
	again, err := l.Lock(context.Background(), "conv")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, l.held())
}

func TestInstanceLock(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireInstance(dir)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, InstanceLockName))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("pid=%d\n", os.Getpid()), string(content))

	_, err = AcquireInstance(dir)
	var instErr *InstanceError
	require.True(t, errors.As(err, &instErr), "expected InstanceError, got %v", err)
	assert.Contains(t, instErr.Error(), dir)
	assert.Contains(t, instErr.Holder, "running")

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := AcquireInstance(dir)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestLocalThroughLockerInterface(t *testing.T) {
	var l Locker = NewLocal()
	unlock, err := l.Lock(context.Background(), "conv-1")
	require.NoError(t, err)
	unlock()

	again, err := l.Lock(context.Background(), "conv-1")
	require.NoError(t, err, "released key must be lockable again")
	again()
}
