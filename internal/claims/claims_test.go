package claims

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

var (
	alice = protocol.Identity{UserID: "u-alice", UserName: "Alice", Role: protocol.RoleOperator}
	bob   = protocol.Identity{UserID: "u-bob", UserName: "Bob", Role: protocol.RoleAdmin}
	carol = protocol.Identity{UserID: "u-carol", UserName: "Carol", Role: protocol.RoleOperator}
	vic   = protocol.Identity{UserID: "u-vic", UserName: "Vic", Role: protocol.RoleViewer}
)

func TestAcquireGrantsUnclaimed(t *testing.T) {
	tbl := NewTable(0)
	res, err := tbl.Acquire("dev", alice)
	require.NoError(t, err)
	assert.Equal(t, Granted, res.Outcome)
	assert.Nil(t, res.Previous)

	holder, ok := tbl.Holder("dev")
	assert.True(t, ok)
	assert.Equal(t, alice.UserID, holder)
}

func TestAcquireSelfIsNoop(t *testing.T) {
	tbl := NewTable(0)
	first, err := tbl.Acquire("dev", alice)
	require.NoError(t, err)
	again, err := tbl.Acquire("dev", alice)
	require.NoError(t, err)
	assert.Equal(t, AlreadyHeld, again.Outcome)
	assert.Equal(t, first.Claim.AcquiredAt, again.Claim.AcquiredAt)
}

func TestViewerCannotClaim(t *testing.T) {
	tbl := NewTable(0)
	_, err := tbl.Acquire("dev", vic)
	assert.ErrorIs(t, err, ErrNotOperator)
	assert.Empty(t, tbl.List())
}

func TestOperatorRejectedWhenClaimed(t *testing.T) {
	tbl := NewTable(0)
	_, err := tbl.Acquire("dev", alice)
	require.NoError(t, err)
	_, err = tbl.Acquire("dev", carol)
	assert.ErrorIs(t, err, ErrClaimed)

	c, _ := tbl.Get("dev")
	assert.Equal(t, alice.UserID, c.UserID)
}

func TestAdminOverride(t *testing.T) {
	tbl := NewTable(0)
	_, err := tbl.Acquire("dev", alice)
	require.NoError(t, err)

	res, err := tbl.Acquire("dev", bob)
	require.NoError(t, err)
	assert.Equal(t, Overridden, res.Outcome)
	require.NotNil(t, res.Previous)
	assert.Equal(t, alice.UserID, res.Previous.UserID)

	c, _ := tbl.Get("dev")
	assert.Equal(t, bob.UserID, c.UserID)
}

func TestReleaseRules(t *testing.T) {
	tbl := NewTable(0)

	_, err := tbl.Release("dev", alice)
	assert.ErrorIs(t, err, ErrNotClaimed)

	_, err = tbl.Acquire("dev", alice)
	require.NoError(t, err)

	_, err = tbl.Release("dev", carol)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	holder, ok := tbl.Holder("dev")
	assert.True(t, ok)
	assert.Equal(t, alice.UserID, holder, "failed release must not mutate the table")

	released, err := tbl.Release("dev", bob)
	require.NoError(t, err)
	assert.Equal(t, alice.UserID, released.UserID)
	_, ok = tbl.Get("dev")
	assert.False(t, ok)
}

func TestReleaseAllFor(t *testing.T) {
	tbl := NewTable(0)
	for _, s := range []string{"b", "a"} {
		_, err := tbl.Acquire(s, alice)
		require.NoError(t, err)
	}
	_, err := tbl.Acquire("c", carol)
	require.NoError(t, err)

	dropped := tbl.ReleaseAllFor(alice.UserID)
	require.Len(t, dropped, 2)
	assert.Equal(t, "a", dropped[0].Session)
	assert.Equal(t, "b", dropped[1].Session)
	assert.Len(t, tbl.List(), 1)
}

func TestExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable(time.Minute)
	tbl.SetClock(func() time.Time { return now })

	res, err := tbl.Acquire("dev", alice)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), res.Claim.ExpiresAt)
	require.NotNil(t, res.Claim.Wire().ExpiresAt)

	now = now.Add(2 * time.Minute)
	_, ok := tbl.Get("dev")
	assert.False(t, ok, "expired claim reads as absent")

	// An expired claim does not block a new holder.
	res, err = tbl.Acquire("dev", carol)
	require.NoError(t, err)
	assert.Equal(t, Granted, res.Outcome)

	now = now.Add(2 * time.Minute)
	expired := tbl.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, carol.UserID, expired[0].UserID)
}

func TestAtMostOneClaimUnderContention(t *testing.T) {
	tbl := NewTable(0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := protocol.Identity{UserID: fmt.Sprintf("u%d", i), Role: protocol.RoleOperator}
			if i%10 == 0 {
				who.Role = protocol.RoleAdmin
			}
			res, err := tbl.Acquire("dev", who)
			if err == nil && res.Outcome != AlreadyHeld {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, tbl.List(), 1)
	assert.GreaterOrEqual(t, granted, 1)
}

func TestClear(t *testing.T) {
	tbl := NewTable(0)
	_, _ = tbl.Acquire("a", alice)
	_, _ = tbl.Acquire("b", carol)
	assert.Len(t, tbl.Clear(), 2)
	assert.Empty(t, tbl.List())
}
