package correlation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromContextEmpty(t *testing.T) {
	ids := FromContext(context.Background())
	require.Empty(t, ids.RequestID)
	require.Empty(t, ids.TraceID)
}

func TestWithIDsRoundTrip(t *testing.T) {
	ctx := WithIDs(context.Background(), IDs{RequestID: "r-1", TraceID: "t-1"})
	require.Equal(t, "r-1", RequestID(ctx))
	require.Equal(t, "t-1", TraceID(ctx))
}

func TestConcurrentRequestsDoNotShareIDs(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := IDs{RequestID: string(rune('a' + i%26)), TraceID: string(rune('A' + i%26))}
			ctx := WithIDs(context.Background(), want)
			if got := FromContext(ctx); got != want {
				t.Errorf("got %+v, want %+v", got, want)
			}
		}(i)
	}
	wg.Wait()
}
