package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"resume-agent-go/internal/processor"
)

// DefaultCapacity 默认容量
const DefaultCapacity = 1024

type entry struct {
	value     []byte
	expiresAt time.Time // 零值表示不过期
	seq       uint64
}

// Memory 进程内 LRU 缓存，条目按写入时的 ttl 惰性过期
type Memory struct {
	lru *lru.Cache[string, entry]
	now func() time.Time

	// mu 串行化写入和过期清理，seq 区分同一 key 的不同写入
	mu  sync.Mutex
	seq uint64
}

// Option 配置项
type Option func(*Memory)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory 创建缓存，capacity<=0 使用默认容量
func NewMemory(capacity int, opts ...Option) (*Memory, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("创建LRU缓存失败: %w", err)
	}
	m := &Memory{lru: l, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get 读取，过期条目视为未命中并移除
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.removeIfUnchanged(key, e.seq)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// removeIfUnchanged 只移除仍是 seq 那次写入的条目，不误删并发写入的新值
func (m *Memory) removeIfUnchanged(key string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.lru.Peek(key); ok && cur.seq == seq {
		m.lru.Remove(key)
	}
}

// Set 写入，ttl<=0 表示不过期
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.seq = m.seq
	m.lru.Add(key, e)
	return nil
}

// Len 当前条目数，含尚未清理的过期条目
func (m *Memory) Len() int {
	return m.lru.Len()
}

// Ping 进程内缓存始终可用
func (m *Memory) Ping(context.Context) error {
	return nil
}

var (
	_ processor.Cache  = (*Memory)(nil)
	_ processor.Pinger = (*Memory)(nil)
)
