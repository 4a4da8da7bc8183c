package signin

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func TestResolver_FirstClaimWins(t *testing.T) {
	t.Parallel()
	r := NewResolver()

	id, ch, err := r.Open()
	require.NoError(t, err)
	active, ok := r.Active()
	require.True(t, ok)
	require.Equal(t, id, active)

	require.True(t, r.Claim(id, ChannelLoopback, "u1"))
	require.False(t, r.Claim(id, ChannelDeepLink, "u2"))
	require.False(t, r.ClaimActive(ChannelDeepLink, "u3"))

	d := <-ch
	require.Equal(t, Delivery{Attempt: id, Channel: ChannelLoopback, URL: "u1"}, d)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second delivery: %+v", extra)
	default:
	}
}

func TestResolver_StaleAndClosedAttempts(t *testing.T) {
	t.Parallel()
	r := NewResolver()

	require.False(t, r.ClaimActive(ChannelDeepLink, "nobody listening"))

	old, _, err := r.Open()
	require.NoError(t, err)
	cur, ch, err := r.Open()
	require.NoError(t, err)

	require.False(t, r.Claim(old, ChannelLoopback, "late"))
	r.Close(old)
	_, ok := r.Active()
	require.True(t, ok, "closing a stale id must not close the newer attempt")

	require.True(t, r.ClaimActive(ChannelDeepLink, "ok"))
	require.Equal(t, cur, (<-ch).Attempt)

	r.Close(cur)
	_, ok = r.Active()
	require.False(t, ok)
	require.False(t, r.Claim(cur, ChannelLoopback, "after close"))
	require.False(t, r.Claim(uuid.Nil, ChannelLoopback, "nil"))
}

func TestResolver_ConcurrentClaimsAcceptExactlyOne(t *testing.T) {
	t.Parallel()
	r := NewResolver()
	id, ch, err := r.Open()
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := ChannelLoopback
			if i%2 == 0 {
				c = ChannelDeepLink
			}
			if r.Claim(id, c, "x") {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.Len(t, ch, 1)
}
