package gateway

import "sync"

// dispatchQueue runs tasks sequentially per key while keys proceed in
// parallel. Messages from the same (channel, sender, chat) triple share a key,
// so a sender's messages are processed in arrival order even when the model
// call for an earlier one is still in flight.
type dispatchQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	active  map[string]bool
	wg      sync.WaitGroup
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{
		pending: make(map[string][]func()),
		active:  make(map[string]bool),
	}
}

// Enqueue schedules task behind any in-flight task for the same key. The
// first task for an idle key starts a drain goroutine; subsequent tasks are
// appended and picked up by that goroutine before it exits.
func (q *dispatchQueue) Enqueue(key string, task func()) {
	q.mu.Lock()
	q.pending[key] = append(q.pending[key], task)
	if q.active[key] {
		q.mu.Unlock()
		return
	}
	q.active[key] = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.drain(key)
}

func (q *dispatchQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		tasks := q.pending[key]
		if len(tasks) == 0 {
			q.active[key] = false
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		task := tasks[0]
		q.pending[key] = tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// Wait blocks until every queued task has finished.
func (q *dispatchQueue) Wait() {
	q.wg.Wait()
}
