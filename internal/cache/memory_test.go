package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMemory_GetSet(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m, err := NewMemory(4, WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("未命中", func(t *testing.T) {
		v, ok, err := m.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, v)
	})

	t.Run("TTL 内命中, 到期后未命中", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "k", []byte("v1"), time.Minute))
		v, ok, _ := m.Get(ctx, "k")
		assert.True(t, ok)
		assert.Equal(t, "v1", string(v))

		clock.Advance(time.Minute)
		_, ok, _ = m.Get(ctx, "k")
		assert.False(t, ok)
	})

	t.Run("ttl 为 0 不过期", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "forever", []byte("x"), 0))
		clock.Advance(24 * time.Hour)
		_, ok, _ := m.Get(ctx, "forever")
		assert.True(t, ok)
	})

	t.Run("后写覆盖前写", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "k2", []byte("a"), time.Hour))
		require.NoError(t, m.Set(ctx, "k2", []byte("b"), time.Hour))
		v, _, _ := m.Get(ctx, "k2")
		assert.Equal(t, "b", string(v))
	})

	t.Run("返回值与内部存储隔离", func(t *testing.T) {
		src := []byte("orig")
		require.NoError(t, m.Set(ctx, "iso", src, 0))
		src[0] = 'X'
		v, _, _ := m.Get(ctx, "iso")
		v[1] = 'Y'
		again, _, _ := m.Get(ctx, "iso")
		assert.Equal(t, "orig", string(again))
	})
}

func TestMemory_Eviction(t *testing.T) {
	m, err := NewMemory(2)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	_, _, _ = m.Get(ctx, "a")
	require.NoError(t, m.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ := m.Get(ctx, "b")
	assert.False(t, ok, "最久未使用的条目被淘汰")
	_, ok, _ = m.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, m.Len())
}

func TestMemory_ExpireKeepsConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	var (
		m        *Memory
		rewrite  bool
		setErr   error
		clockNow = base
	)
	// 过期判断读取时钟的同时写入新值，模拟 Get 与 Set 交错
	now := func() time.Time {
		if rewrite {
			rewrite = false
			setErr = m.Set(ctx, "k", []byte("fresh"), 0)
		}
		return clockNow
	}
	m, err := NewMemory(4, WithClock(now))
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "k", []byte("stale"), time.Minute))
	clockNow = base.Add(time.Minute)
	rewrite = true

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, setErr)
	assert.False(t, ok, "读到的旧值已过期")

	v, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok, "并发写入的新值没有被过期清理删除")
	assert.Equal(t, "fresh", string(v))
}

func TestMemory_Concurrent(t *testing.T) {
	m, err := NewMemory(0)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			for j := 0; j < 100; j++ {
				_ = m.Set(ctx, key, []byte{byte(j)}, time.Minute)
				_, _, _ = m.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 4)
	assert.NoError(t, m.Ping(ctx))
}
