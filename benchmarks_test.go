package libcshim_test

import (
	"context"
	"strings"
	"testing"

	"github.com/wasilibs/go-libcshim"
)

func BenchmarkCompute(b *testing.B) {
	for _, size := range []int{16, 4096, 1 << 20} {
		b.Run(sizeName(size), func(b *testing.B) {
			ctx := context.Background()
			e, err := libcshim.Compile(ctx, echoGuest("compute", 0))
			if err != nil {
				b.Fatal(err)
			}
			defer e.Close(ctx)

			text := strings.Repeat("a", size)
			b.SetBytes(int64(size))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				d, err := e.Compute(ctx, text)
				if err != nil {
					b.Fatal(err)
				}
				if len(d.SVG) != size {
					b.Fatalf("Compute returned %d bytes; want %d", len(d.SVG), size)
				}
			}
		})
	}
}

func BenchmarkComputeBlank(b *testing.B) {
	ctx := context.Background()
	e, err := libcshim.Compile(ctx, echoGuest("compute", 0))
	if err != nil {
		b.Fatal(err)
	}
	defer e.Close(ctx)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := e.Compute(ctx, " \n"); err != nil {
			b.Fatal(err)
		}
	}
}

func sizeName(n int) string {
	switch {
	case n >= 1<<20:
		return "1M"
	case n >= 1<<10:
		return "4K"
	}
	return "16"
}
