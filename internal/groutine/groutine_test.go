package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoPropagatesName(t *testing.T) {
	got := make(chan string, 1)

	Go(context.Background(), "queue-main", func(ctx context.Context) {
		got <- Name(ctx)
	})

	select {
	case name := <-got:
		require.Equal(t, "queue-main", name, "goroutine MUST observe its own name")
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestNameOutsideGo(t *testing.T) {
	require.Empty(t, Name(context.Background()))
	//nolint:staticcheck // nil context is handled explicitly
	require.Empty(t, Name(nil))
}
