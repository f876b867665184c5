package session

import (
	"sync"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// Outbox 发往客户端的有界队列，由唯一的写协程消费。
// 队列写满说明客户端读得太慢，此时队列关闭并标记溢出。
type Outbox struct {
	ch chan relay.ServerMessage

	mu         sync.Mutex
	closed     bool
	overflowed bool
}

// NewOutbox 创建队列
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 256
	}
	return &Outbox{ch: make(chan relay.ServerMessage, size)}
}

// Push 非阻塞入队，队列关闭或溢出时返回 false
func (o *Outbox) Push(msg relay.ServerMessage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- msg:
		return true
	default:
		o.overflowed = true
		o.closed = true
		close(o.ch)
		return false
	}
}

// C 返回消费通道，队列关闭且排空后通道关闭
func (o *Outbox) C() <-chan relay.ServerMessage {
	return o.ch
}

// Close 关闭队列，可重复调用
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}

// Overflowed 是否因为写满而关闭
func (o *Outbox) Overflowed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overflowed
}
