// Package relay 管理客户端连接与会话状态机之间的数据泵。
package relay

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/z-tavern/relay/internal/service/session"
)

// Handle 注册表中的会话，由 session.Machine 实现
type Handle interface {
	Snapshot() session.Snapshot
	Terminate(reason string)
	Done() <-chan struct{}
}

type registryEntry struct {
	handle Handle
	token  uint64
}

// Registry 进程内的会话登记表，只用于观测和管理端终止，不参与会话间协调。
type Registry struct {
	mu      sync.RWMutex
	seq     uint64
	entries map[string]registryEntry
}

// NewRegistry 创建登记表
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register 登记会话。同ID的旧会话会被终止，返回的函数只注销本次登记。
func (r *Registry) Register(id string, h Handle) func() {
	r.mu.Lock()
	r.seq++
	token := r.seq
	prev, replaced := r.entries[id]
	r.entries[id] = registryEntry{handle: h, token: token}
	r.mu.Unlock()

	if replaced {
		log.Printf("[relay] session %s replaced by a new connection", id)
		prev.handle.Terminate("Replaced by a new connection")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if current, ok := r.entries[id]; ok && current.token == token {
				delete(r.entries, id)
			}
		})
	}
}

// Get 返回指定会话的视图
func (r *Registry) Get(id string) (session.Snapshot, bool) {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return session.Snapshot{}, false
	}
	return entry.handle.Snapshot(), true
}

// List 按创建时间返回全部会话
func (r *Registry) List() []session.Snapshot {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.entries))
	for _, entry := range r.entries {
		handles = append(handles, entry.handle)
	}
	r.mu.RUnlock()

	out := make([]session.Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Terminate 终止指定会话，会话不存在时返回 false
func (r *Registry) Terminate(id, reason string) bool {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	entry.handle.Terminate(reason)
	return true
}

// Count 当前登记的会话数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll 终止全部会话，并等待它们结束或 ctx 超时
func (r *Registry) CloseAll(ctx context.Context, reason string) {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.entries))
	for _, entry := range r.entries {
		handles = append(handles, entry.handle)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.Terminate(reason)
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			log.Printf("[relay] gave up waiting for %d sessions to close", len(handles))
			return
		}
	}
}

// Sweep 移除已经结束但没有注销的会话，返回移除数量
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entry := range r.entries {
		select {
		case <-entry.handle.Done():
			delete(r.entries, id)
			removed++
		default:
		}
	}
	return removed
}

// RunSweeper 定期清理，直到 ctx 结束
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Printf("[relay] swept %d stale sessions", n)
			}
		}
	}
}
