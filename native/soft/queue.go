package soft

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lunaengine/rhi/native"
)

// Fence is the software native.Fence
type Fence struct {
	name string

	mutex   sync.Mutex
	value   uint64
	waiters []fenceWaiter
}

type fenceWaiter struct {
	value uint64
	done  chan struct{}
}

var _ native.Fence = &Fence{}

func (f *Fence) Name() string        { return f.name }
func (f *Fence) SetName(name string) { f.name = name }
func (f *Fence) Release()            {}

func (f *Fence) CompletedValue() uint64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.value
}

func (f *Fence) Signal(value uint64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.value = value

	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if w.value <= value {
			close(w.done)
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
	return nil
}

func (f *Fence) SetEventOnCompletion(value uint64) <-chan struct{} {
	done := make(chan struct{})

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.value >= value {
		close(done)
		return done
	}
	f.waiters = append(f.waiters, fenceWaiter{value: value, done: done})
	return done
}

type submission struct {
	recordings []recording
	fence      *Fence
	value      uint64
}

// Queue is the software native.CommandQueue
type Queue struct {
	device    *Device
	queueType native.QueueType
	name      string
	manual    bool

	mutex   sync.Mutex
	cond    *sync.Cond
	pending []submission
	busy    bool
	stopped bool
}

var _ native.CommandQueue = &Queue{}

func newQueue(device *Device, queueType native.QueueType, manual bool) *Queue {
	q := &Queue{
		device:    device,
		queueType: queueType,
		manual:    manual,
	}
	q.cond = sync.NewCond(&q.mutex)

	if !manual {
		go q.run()
	}
	return q
}

func (q *Queue) Name() string           { return q.name }
func (q *Queue) SetName(name string)    { q.name = name }
func (q *Queue) Type() native.QueueType { return q.queueType }
func (q *Queue) Release()               { q.stop() }

func (q *Queue) ExecuteCommandLists(lists ...native.CommandList) {
	var sub submission
	for _, l := range lists {
		list, ok := l.(*CommandList)
		if !ok {
			q.device.fail("ExecuteCommandLists: %T is not a soft command list", l)
			continue
		}
		if list.queueType != q.queueType {
			q.device.fail("ExecuteCommandLists: %s list %q submitted to a %s queue", list.queueType, list.name, q.queueType)
			continue
		}
		if !list.closed {
			q.device.fail("ExecuteCommandLists: list %q was not closed", list.name)
			continue
		}

		rec := list.snapshot()
		for _, res := range rec.resources {
			res.pending.Add(1)
		}
		rec.allocator.pending.Add(1)
		sub.recordings = append(sub.recordings, rec)
	}

	q.enqueue(sub)
}

func (q *Queue) Signal(fence native.Fence, value uint64) error {
	f, ok := fence.(*Fence)
	if !ok {
		return errors.Newf("%T is not a soft fence", fence)
	}

	q.enqueue(submission{fence: f, value: value})
	return nil
}

func (q *Queue) enqueue(sub submission) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.stopped {
		q.device.fail("submission to stopped %s queue", q.queueType)
		return
	}
	q.pending = append(q.pending, sub)
	q.cond.Broadcast()
}

// Pending returns the number of submissions that have not executed
func (q *Queue) Pending() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.pending)
}

// Advance executes up to count pending submissions on the calling goroutine and returns the
// number executed. Command lists and fence signals count as separate submissions. It only
// has an effect in manual execution mode.
func (q *Queue) Advance(count int) int {
	if !q.manual {
		return 0
	}

	executed := 0
	for executed < count {
		q.mutex.Lock()
		if len(q.pending) == 0 {
			q.mutex.Unlock()
			break
		}
		sub := q.pending[0]
		q.pending = q.pending[1:]
		q.mutex.Unlock()

		q.execute(sub)
		executed++
	}
	return executed
}

// Drain blocks until all submitted work has executed
func (q *Queue) Drain() {
	if q.manual {
		for q.Advance(1) > 0 {
		}
		return
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	for (len(q.pending) > 0 || q.busy) && !q.stopped {
		q.cond.Wait()
	}
}

func (q *Queue) stop() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.stopped = true
	q.cond.Broadcast()
}

func (q *Queue) run() {
	for {
		q.mutex.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mutex.Unlock()
			return
		}
		sub := q.pending[0]
		q.pending = q.pending[1:]
		q.busy = true
		q.mutex.Unlock()

		q.execute(sub)

		q.mutex.Lock()
		q.busy = false
		q.cond.Broadcast()
		q.mutex.Unlock()
	}
}

func (q *Queue) execute(sub submission) {
	for _, rec := range sub.recordings {
		e := newExecutor(q.device, q.queueType, rec.name)
		for _, op := range rec.ops {
			op(e)
		}

		for _, res := range rec.resources {
			res.pending.Add(-1)
		}
		rec.allocator.pending.Add(-1)
		q.device.counters.executedLists.Add(1)
	}

	if sub.fence != nil {
		_ = sub.fence.Signal(sub.value)
	}
}
