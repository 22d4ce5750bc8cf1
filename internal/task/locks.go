package task

import (
	"context"
	"sync"
)

// lockTable 为每个任务维护一把互斥锁与在途操作的取消函数。
// 锁只保护状态读改写，绝不在持锁期间做链上 I/O。
type lockTable struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc
}

func newLockTable() *lockTable {
	return &lockTable{
		locks:   make(map[string]*sync.Mutex),
		cancels: make(map[string]context.CancelFunc),
	}
}

// acquire 获取任务锁，阻塞直到可用。
func (t *lockTable) acquire(id string) *sync.Mutex {
	t.mu.Lock()
	lock, ok := t.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[id] = lock
	}
	t.mu.Unlock()
	lock.Lock()
	return lock
}

// track 登记任务在途操作的取消函数，供 Cancel 中断轮询。
func (t *lockTable) track(id string, cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancels[id] = cancel
	t.mu.Unlock()
}

// untrack 移除在途操作登记。
func (t *lockTable) untrack(id string) {
	t.mu.Lock()
	delete(t.cancels, id)
	t.mu.Unlock()
}

// interrupt 取消任务的在途操作。没有在途操作时为空操作。
func (t *lockTable) interrupt(id string) {
	t.mu.Lock()
	cancel, ok := t.cancels[id]
	t.mu.Unlock()
	if ok && cancel != nil {
		cancel()
	}
}
