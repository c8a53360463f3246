package events

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned when publishing to a closed queue.
var ErrQueueClosed = errors.New("event queue closed")

// MemoryQueue 使用 channel 模拟消息队列，主要用于单进程部署和测试。
type MemoryQueue struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Event, size)}
}

// Publish 将事件投递到队列，队列已满时等待直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, evt Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- evt:
		return nil
	}
}

// Consume 逐条处理事件，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-q.ch:
			if !ok {
				return nil
			}
			_ = handler(ctx, evt)
		}
	}
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
