package pool

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/lunaengine/rhi/memutils"
	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/queue"
	"github.com/stretchr/testify/require"
)

type testDesc struct {
	Name string
}

type testData struct {
	id int
}

type testFactory struct {
	created   int
	destroyed []int
	fail      bool
}

func (f *testFactory) Create(index int, desc testDesc) (*testData, error) {
	if f.fail {
		return nil, errors.New("device lost")
	}
	f.created++
	return &testData{id: f.created}, nil
}

func (f *testFactory) Destroy(index int, desc testDesc, data *testData) {
	f.destroyed = append(f.destroyed, index)
}

type testTracker struct {
	submitted queue.FenceSet
	completed queue.FenceSet
}

func newTestTracker() *testTracker {
	tracker := &testTracker{}
	for i := range tracker.submitted {
		tracker.submitted[i] = queue.MakeFenceValue(native.QueueType(i), 0)
		tracker.completed[i] = queue.MakeFenceValue(native.QueueType(i), 0)
	}
	return tracker
}

func (t *testTracker) LastSubmitted() queue.FenceSet {
	return t.submitted
}

func (t *testTracker) IsFenceComplete(value queue.FenceValue) bool {
	return value <= t.completed[value.Queue()]
}

func (t *testTracker) submit(queueType native.QueueType) {
	t.submitted[queueType]++
}

func (t *testTracker) complete(queueType native.QueueType) {
	t.completed[queueType] = t.submitted[queueType]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestSlotsAreUniqueWhileLive(t *testing.T) {
	factory := &testFactory{}
	p := New[testDesc, *testData](testLogger(), "Test", 8, factory, newTestTracker(), true)

	seen := map[int]bool{}
	for i := 0; i < 8; i++ {
		handle, err := p.Create(testDesc{Name: "buffer"})
		require.NoError(t, err)
		require.False(t, seen[handle.Index()])
		seen[handle.Index()] = true
		require.Equal(t, "buffer", handle.Desc().Name)
	}

	require.Equal(t, 8, p.Live())
	require.Panics(t, func() {
		_, _ = p.Create(testDesc{})
	})
}

func TestSlotReuseWaitsForFences(t *testing.T) {
	factory := &testFactory{}
	tracker := newTestTracker()
	p := New[testDesc, *testData](testLogger(), "Test", 2, factory, tracker, false)

	first, err := p.Create(testDesc{Name: "first"})
	require.NoError(t, err)
	second, err := p.Create(testDesc{Name: "second"})
	require.NoError(t, err)

	// work referencing first is in flight on two queues
	tracker.submit(native.QueueGraphics)
	tracker.submit(native.QueueCompute)
	first.Release()

	require.Equal(t, 1, p.Retired())
	require.Empty(t, factory.destroyed)
	require.Panics(t, func() {
		_, _ = p.Create(testDesc{})
	})

	tracker.complete(native.QueueGraphics)
	require.Equal(t, 0, p.ReleaseDeferred())

	tracker.complete(native.QueueCompute)
	third, err := p.Create(testDesc{Name: "third"})
	require.NoError(t, err)
	require.Equal(t, first.Index(), third.Index())
	require.Equal(t, []int{first.Index()}, factory.destroyed)
	require.Equal(t, "third", p.Desc(third.Index()).Name)
	require.Equal(t, 3, third.Data().id)

	require.Equal(t, "second", second.Desc().Name)
}

func TestFreeListIsFifo(t *testing.T) {
	p := New[testDesc, *testData](testLogger(), "Test", 4, &testFactory{}, nil, false)

	handles := make([]*Handle[testDesc, *testData], 4)
	for i := range handles {
		handle, err := p.Create(testDesc{})
		require.NoError(t, err)
		handles[i] = handle
	}

	handles[2].Release()
	handles[0].Release()

	next, err := p.Create(testDesc{})
	require.NoError(t, err)
	require.Equal(t, 2, next.Index())
	next, err = p.Create(testDesc{})
	require.NoError(t, err)
	require.Equal(t, 0, next.Index())
}

func TestRetainSharesSlot(t *testing.T) {
	tracker := newTestTracker()
	p := New[testDesc, *testData](testLogger(), "Test", 4, &testFactory{}, tracker, false)

	handle, err := p.Create(testDesc{})
	require.NoError(t, err)

	alias := handle.Retain()
	require.Same(t, handle, alias)
	require.Equal(t, 2, handle.RefCount())

	handle.Release()
	require.Equal(t, 1, p.Live())
	require.NotPanics(t, func() { alias.Data() })

	alias.Release()
	require.Equal(t, 0, p.Live())
	require.Equal(t, 1, p.Retired())

	require.Panics(t, func() { alias.Data() })
	require.Panics(t, func() { alias.Release() })
}

func TestFactoryFailureKeepsSlotFree(t *testing.T) {
	factory := &testFactory{fail: true}
	p := New[testDesc, *testData](testLogger(), "Test", 1, factory, nil, false)

	_, err := p.Create(testDesc{})
	require.Error(t, err)
	require.Equal(t, 0, p.Live())

	factory.fail = false
	handle, err := p.Create(testDesc{})
	require.NoError(t, err)
	require.Equal(t, 0, handle.Index())
}

func TestDestroyReportsUnreleased(t *testing.T) {
	factory := &testFactory{}
	tracker := newTestTracker()
	p := New[testDesc, *testData](testLogger(), "Test", 4, factory, tracker, false)

	leaked, err := p.Create(testDesc{})
	require.NoError(t, err)
	released, err := p.Create(testDesc{})
	require.NoError(t, err)

	tracker.submit(native.QueueCopy)
	released.Release()

	var stats memutils.Statistics
	p.AddStatistics(&stats)
	require.Equal(t, 4, stats.PageUnits)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 2, stats.AllocationUnits)

	err = p.Destroy()
	require.ErrorContains(t, err, "1 Test resources were not released")
	require.ElementsMatch(t, []int{leaked.Index(), released.Index()}, factory.destroyed)
	require.Equal(t, 0, p.Live())
	require.Equal(t, 0, p.Retired())
}
