package trans

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliptics-io/elliptics-go/internal/wire"
)

func TestRegisterAssignsIncreasingIDs(t *testing.T) {
	r := New()
	tx1, err := r.Register(wire.ID{}, wire.CmdPing, func(Status) {})
	require.NoError(t, err)
	tx2, err := r.Register(wire.ID{}, wire.CmdPing, func(Status) {})
	require.NoError(t, err)
	assert.Less(t, tx1.ID, tx2.ID)
}

func TestMatchReplyMoreThenDestroy(t *testing.T) {
	r := New()
	var calls []Status
	tx, err := r.Register(wire.ID{}, wire.CmdPing, func(st Status) {
		calls = append(calls, st)
	})
	require.NoError(t, err)

	var out CallbackOutbox
	ok := r.MatchReply(wire.Header{TransID: tx.ID, Flags: wire.FlagReply | wire.FlagMore}, nil, &out)
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len()) // still registered, MORE was set
	out.Run()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Destroy)

	var out2 CallbackOutbox
	ok = r.MatchReply(wire.Header{TransID: tx.ID, Flags: wire.FlagReply}, nil, &out2)
	assert.True(t, ok)
	assert.Equal(t, 0, r.Len())
	out2.Run()
	require.Len(t, calls, 3)
	assert.False(t, calls[1].Destroy)
	assert.True(t, calls[2].Destroy)
}

func TestMatchReplyUnknownTransIsDropped(t *testing.T) {
	r := New()
	var out CallbackOutbox
	ok := r.MatchReply(wire.Header{TransID: 9999}, nil, &out)
	assert.False(t, ok)
}

func TestStallSweepTripsAfterLimit(t *testing.T) {
	r := New()
	var destroyed []Status
	tx, err := r.Register(wire.ID{}, wire.CmdPing, func(st Status) {
		destroyed = append(destroyed, st)
	})
	require.NoError(t, err)

	// Manually age the transaction past check_timeout.
	r.mu.Lock()
	r.byID[tx.ID].Value.(*entry).tx.LastActivity = time.Now().Add(-10 * time.Second)
	r.mu.Unlock()

	checkTimeout := time.Second
	stallLimit := 3

	var out CallbackOutbox
	tripped := r.StallSweep(time.Now(), checkTimeout, stallLimit, -110, &out)
	assert.False(t, tripped) // stall count 1, limit 3

	tripped = r.StallSweep(time.Now(), checkTimeout, stallLimit, -110, &out)
	assert.False(t, tripped)

	tripped = r.StallSweep(time.Now(), checkTimeout, stallLimit, -110, &out)
	assert.False(t, tripped)

	tripped = r.StallSweep(time.Now(), checkTimeout, stallLimit, -110, &out)
	assert.True(t, tripped)

	out.Run()
	require.Len(t, destroyed, 1)
	assert.True(t, destroyed[0].Destroy)
	assert.Equal(t, int32(-110), destroyed[0].Code)
	assert.Equal(t, 0, r.Len())
}

func TestResetDrainsAllOutstanding(t *testing.T) {
	r := New()
	var destroyed int
	for i := 0; i < 5; i++ {
		_, err := r.Register(wire.ID{}, wire.CmdPing, func(Status) { destroyed++ })
		require.NoError(t, err)
	}

	var out CallbackOutbox
	r.Reset(-104, &out) // -ECONNRESET-ish
	out.Run()

	assert.Equal(t, 5, destroyed)
	assert.Equal(t, 0, r.Len())

	_, err := r.Register(wire.ID{}, wire.CmdPing, func(Status) {})
	assert.Error(t, err)
}
