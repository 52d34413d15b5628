package sandbox

import (
	"context"
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"
)

const (
	heapMetric   = "/memory/classes/heap/objects:bytes"
	heapInterval = 10 * time.Millisecond
)

// meter accounts allocations made on behalf of plugin code during one call.
// Host modules and the wrapped string and table builtins charge it before
// allocating. Growth inside the interpreter itself (concatenation, table
// inserts) is caught by watch, which samples the process heap.
type meter struct {
	limit int64
	used  atomic.Int64
	over  atomic.Bool
}

func newMeter(limit int64) *meter {
	return &meter{limit: limit}
}

func (m *meter) reset() {
	m.used.Store(0)
	m.over.Store(false)
}

// charge adds n bytes and reports whether the total is still within the limit.
func (m *meter) charge(n int64) bool {
	if m.limit <= 0 {
		return true
	}
	if n < 0 || n > m.limit || m.used.Add(n) > m.limit {
		m.over.Store(true)
		return false
	}
	return true
}

func (m *meter) exceeded() bool {
	return m.over.Load()
}

func (m *meter) usage() int64 {
	return m.used.Load()
}

// watch samples the heap every heapInterval until stop is called or ctx is
// done. When the heap has grown by more than the limit since watch started
// the meter is marked exceeded and trip is called. The heap is shared by the
// whole process, so the check is coarse and only catches sustained growth.
func (m *meter) watch(ctx context.Context, trip func()) (stop func()) {
	if m.limit <= 0 {
		return func() {}
	}
	base := heapBytes()
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(heapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cur := heapBytes(); cur > base && cur-base > uint64(m.limit) {
					m.over.Store(true)
					trip()
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		wg.Wait()
	}
}

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}
