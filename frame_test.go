package ep

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{
		Headers:       map[uint32]Header{1: {Kind: HeaderText, Text: "v1"}},
		MessageTypeID: MessageTypePing,
		Payload:       []byte{0xA0},
	}
	raw, err := EncodeFrame(f)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(raw, Magic[:]))

	res := DecodeFrame(bytes.NewReader(raw), FrameDecodeOptions{})
	require.NotNil(t, res)
	require.True(t, res.OK, "diagnostics: %v", res.Diagnostics)
	assert.Equal(t, f.MessageTypeID, res.Value.MessageTypeID)
	assert.Equal(t, f.Payload, res.Value.Payload)
	require.Contains(t, res.Value.Headers, uint32(1))
	assert.Equal(t, "v1", res.Value.Headers[1].Text)
}

func TestFrameEncodeIsDeterministic(t *testing.T) {
	f := Frame{
		Headers:       map[uint32]Header{1: {Kind: HeaderInt, Int: 7}, 2: {Kind: HeaderBool, Bool: true}},
		MessageTypeID: MessageTypeSoftDisconnect,
		Payload:       []byte("payload"),
	}
	raw1, err := EncodeFrame(f)
	require.NoError(t, err)
	raw2, err := EncodeFrame(f)
	require.NoError(t, err)
	assert.Equal(t, raw1, raw2)
}

func TestDecodeFrameCleanEOFReturnsNil(t *testing.T) {
	res := DecodeFrame(bytes.NewReader(nil), FrameDecodeOptions{})
	assert.Nil(t, res)
}

func TestDecodeFrameAcceptsCanonicalArrayHeaderWithWarning(t *testing.T) {
	f := Frame{MessageTypeID: MessageTypePing, Payload: []byte{}}
	raw, err := EncodeFrame(f)
	require.NoError(t, err)

	// Replace the non-canonical 5-byte magic with the canonical short-form
	// array(3) header a CBOR-native encoder would naturally emit.
	canonical := append([]byte{canonicalArrayHeader}, raw[len(Magic):]...)

	res := DecodeFrame(bytes.NewReader(canonical), FrameDecodeOptions{})
	require.NotNil(t, res)
	require.True(t, res.OK)
	require.NotEmpty(t, res.Diagnostics)
	assert.Equal(t, "CANONICAL_ARRAY_HEADER", res.Diagnostics[0].Code)
	assert.Equal(t, SeverityWarning, res.Diagnostics[0].Severity)
}

func TestDecodeFrameStrictModePromotesCanonicalWarningToFailure(t *testing.T) {
	f := Frame{MessageTypeID: MessageTypePing, Payload: []byte{}}
	raw, err := EncodeFrame(f)
	require.NoError(t, err)
	canonical := append([]byte{canonicalArrayHeader}, raw[len(Magic):]...)

	res := DecodeFrame(bytes.NewReader(canonical), FrameDecodeOptions{Strict: true})
	require.NotNil(t, res)
	assert.False(t, res.OK)
}

func TestDecodeFrameRejectsBadMagicByte(t *testing.T) {
	f := Frame{MessageTypeID: MessageTypePing, Payload: []byte{}}
	raw, err := EncodeFrame(f)
	require.NoError(t, err)
	raw[0] = 0x00 // corrupt the sync marker

	res := DecodeFrame(bytes.NewReader(raw), FrameDecodeOptions{})
	require.NotNil(t, res)
	assert.False(t, res.OK)
	require.NotEmpty(t, res.Diagnostics)
	assert.Equal(t, "INVALID_MAGIC", res.Diagnostics[0].Code)
}

func TestDecodeFrameTruncatedInput(t *testing.T) {
	f := Frame{MessageTypeID: MessageTypePing, Payload: []byte("hello")}
	raw, err := EncodeFrame(f)
	require.NoError(t, err)

	truncated := raw[:len(raw)-3]
	res := DecodeFrame(bytes.NewReader(truncated), FrameDecodeOptions{})
	require.NotNil(t, res)
	assert.False(t, res.OK)
}

func TestDecodeFrameEnforcesMaxBytesCap(t *testing.T) {
	f := Frame{MessageTypeID: MessageTypePing, Payload: bytes.Repeat([]byte{0x01}, 1024)}
	raw, err := EncodeFrame(f)
	require.NoError(t, err)

	res := DecodeFrame(bytes.NewReader(raw), FrameDecodeOptions{MaxBytes: 16})
	require.NotNil(t, res)
	assert.False(t, res.OK)
}

func TestHeaderEqual(t *testing.T) {
	assert.True(t, Header{Kind: HeaderText, Text: "a"}.Equal(Header{Kind: HeaderText, Text: "a"}))
	assert.False(t, Header{Kind: HeaderText, Text: "a"}.Equal(Header{Kind: HeaderText, Text: "b"}))
	assert.False(t, Header{Kind: HeaderInt, Int: 1}.Equal(Header{Kind: HeaderBool, Bool: true}))
	assert.True(t, Header{Kind: HeaderBytes, Bytes: []byte("x")}.Equal(Header{Kind: HeaderBytes, Bytes: []byte("x")}))
}
