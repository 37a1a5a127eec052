package libcshim_test

import (
	"context"
	"runtime"
	"testing"

	"github.com/wasilibs/go-libcshim"
)

// TestComputeReleasesInstances makes sure a fresh guest instance per call does
// not accumulate host memory.
func TestComputeReleasesInstances(t *testing.T) {
	ctx := context.Background()
	e, err := libcshim.Compile(ctx, echoGuest("compute", 0))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close(ctx)

	run := func(n int) {
		for i := 0; i < n; i++ {
			if _, err := e.Compute(ctx, `<svg viewBox="0 0 1 1"/>`); err != nil {
				t.Fatal(err)
			}
		}
	}

	run(100)

	var ms runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&ms)
	startAlloc := ms.HeapInuse

	run(2000)

	runtime.GC()
	runtime.ReadMemStats(&ms)
	endAlloc := ms.HeapInuse

	if endAlloc > startAlloc && endAlloc-startAlloc > 4000000 {
		t.Errorf("memory usage increased by %d", endAlloc-startAlloc)
	}
}
