package wire

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	var id ID
	copy(id[:], "0123456789abcdef")

	h := Header{
		ID:        id,
		Group:     7,
		Command:   CmdPing,
		Flags:     FlagReply | FlagMore,
		TransID:   123456,
		TraceID:   999,
		BackendID: -1,
		Size:      4,
		Status:    0,
	}

	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, h)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	if diff := pretty.Compare(h, got); diff != "" {
		t.Errorf("header differs after round trip (-want +got):\n%s", diff)
	}
}

func TestDecodeHeaderTruncated(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrTruncatedHeader)
}

func TestHasFlag(t *testing.T) {
	h := Header{Flags: FlagReply | FlagDestroy}
	assert.True(t, h.HasFlag(FlagReply))
	assert.True(t, h.HasFlag(FlagDestroy))
	assert.False(t, h.HasFlag(FlagMore))
}

func TestNeedsBackend(t *testing.T) {
	assert.False(t, CmdJoin.NeedsBackend())
	assert.False(t, CmdRouteList.NeedsBackend())
	assert.True(t, CmdWrite.NeedsBackend())
	assert.True(t, CmdRead.NeedsBackend())
}

func TestFrameEncode(t *testing.T) {
	f := Alloc(4)
	copy(f.Payload, []byte("PING"))
	f.Header.Command = CmdPing
	f.Header.TransID = 1

	buf := f.Encode()
	require.Len(t, buf, HeaderSize+4)

	h, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), h.Size)
	if diff := pretty.Compare(string([]byte("PING")), string(buf[HeaderSize:])); diff != "" {
		t.Errorf("payload differs (-want +got):\n%s", diff)
	}

	Release(f)
}
