package cluster

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: FrameForward, Channel: []byte("news"), Payload: []byte("hi")},
		{Type: FrameJSON, Channel: []byte("ch.1"), Payload: []byte(`{"a":1}`)},
		{Type: FrameRoot, Filter: -7, Payload: []byte("p")},
		{Type: FramePubsubSub, Channel: []byte("t")},
		{Type: FramePatternSub, Channel: []byte("ch.*"), Payload: []byte("glob")},
		{Type: FrameShutdown},
		{Type: FramePing},
	}

	for _, want := range cases {
		buf := bytes.NewReader(Encode(want))
		got, err := ReadFrame(buf)
		require.NoError(t, err, "frame type %s", want.Type)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, want.Filter, got.Filter)
		require.Equal(t, string(want.Channel), string(got.Channel))
		require.Equal(t, string(want.Payload), string(got.Payload))
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	raw := Encode(Frame{Type: FrameJSON, Filter: 5, Channel: []byte("abc"), Payload: []byte("xy")})

	require.Equal(t, uint32(3), binary.BigEndian.Uint32(raw[0:4]), "channel_len")
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(raw[4:8]), "payload_len")
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(raw[8:12]), "type")
	require.Equal(t, int32(5), int32(binary.BigEndian.Uint32(raw[12:16])), "filter")
	require.Equal(t, "abcxy", string(raw[16:]))
}

func TestReadFrameRejectsOversizedLengths(t *testing.T) {
	// The caps are exclusive: a length exactly at the limit is already a
	// protocol error.
	var header [headerLen]byte
	binary.BigEndian.PutUint32(header[0:4], MaxChannelLen)
	_, err := ReadFrame(bytes.NewReader(header[:]))
	require.ErrorIs(t, err, ErrProtocolOverflow)

	binary.BigEndian.PutUint32(header[0:4], 0)
	binary.BigEndian.PutUint32(header[4:8], MaxPayloadLen)
	_, err = ReadFrame(bytes.NewReader(header[:]))
	require.ErrorIs(t, err, ErrProtocolOverflow)

	binary.BigEndian.PutUint32(header[4:8], MaxPayloadLen-1)
	_, err = ReadFrame(bytes.NewReader(header[:]))
	require.NotErrorIs(t, err, ErrProtocolOverflow)
}

// chunkReader hands out one byte per Read call, forcing ReadFrame to
// assemble its header and bodies from many partial deliveries, the same
// shape as short socket reads.
type chunkReader struct {
	data []byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	p[0] = c.data[0]
	c.data = c.data[1:]
	return 1, nil
}

func TestReadFrameSurvivesPartialReads(t *testing.T) {
	want := Frame{Type: FrameForward, Channel: []byte("chunked"), Payload: []byte("payload bytes")}
	got, err := ReadFrame(&chunkReader{data: Encode(want)})
	require.NoError(t, err)
	require.Equal(t, string(want.Channel), string(got.Channel))
	require.Equal(t, string(want.Payload), string(got.Payload))
}

func TestReadFrameEOFMidHeader(t *testing.T) {
	raw := Encode(Frame{Type: FrameForward, Channel: []byte("x")})
	_, err := ReadFrame(bytes.NewReader(raw[:7]))
	require.Error(t, err)
}
