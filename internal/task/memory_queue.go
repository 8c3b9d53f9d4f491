package task

import (
	"context"
	"sync"

	xerrors "ZKGuard-Chain/internal/errors"
)

// MemoryQueue 是单进程部署使用的内存队列。同一任务 ID 在被取走之前只会排队一次，
// 避免重复投递导致同一笔交易被并发执行。
type MemoryQueue struct {
	ch   chan string
	done chan struct{}

	mu     sync.Mutex
	queued map[string]struct{}
	closed bool
}

// NewMemoryQueue 创建一个容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:     make(chan string, size),
		done:   make(chan struct{}),
		queued: make(map[string]struct{}),
	}
}

// Publish 投递任务。任务已在队列中时直接返回；队列满时阻塞直到有空位、ctx 取消或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	if _, dup := q.queued[jobID]; dup {
		q.mu.Unlock()
		return nil
	}
	q.queued[jobID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		q.forget(jobID)
		return ctx.Err()
	case <-q.done:
		q.forget(jobID)
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
}

func (q *MemoryQueue) forget(jobID string) {
	q.mu.Lock()
	delete(q.queued, jobID)
	q.mu.Unlock()
}

// Len 返回排队中、尚未被取走的任务数。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Consume 启动 workerCount 个协程消费任务，直到 ctx 取消或队列关闭。
// 任务出队后即可再次投递，处理器的重试依赖这一点。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case jobID := <-q.ch:
					q.forget(jobID)
					_ = handler(ctx, jobID)
				}
			}
		}()
	}
	wg.Wait()
	select {
	case <-q.done:
		return nil
	default:
		return ctx.Err()
	}
}

// Close 关闭队列，正在阻塞的 Publish 与 Consume 随之返回。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
