package integration

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/stretchr/testify/require"
)

func BenchmarkThroughput(b *testing.B) {
	s := store.NewMemory()
	d := newDispatcher(b, s, 8)
	defer d.Close()

	ctx := context.Background()
	spec := generateFanOut(100, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, err := d.Plan(ctx, spec)
		require.NoError(b, err)
		runToEnd(b, d, id, 30*time.Second)
	}
	b.StopTimer()
}
