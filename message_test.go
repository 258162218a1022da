package ep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionParametersRoundTrip(t *testing.T) {
	version := "1.2.0"
	sp := SessionParameters{Identity: "device-42", Version: &version}
	raw, err := EncodeMessage(sp)
	require.NoError(t, err)

	res := DecodeMessage(MessageTypeSessionParameters, raw, MessageParseOptions{})
	require.True(t, res.OK, "diagnostics: %v", res.Diagnostics)
	got, ok := res.Value.(SessionParameters)
	require.True(t, ok)
	assert.Equal(t, "device-42", got.Identity)
	require.NotNil(t, got.Version)
	assert.Equal(t, "1.2.0", *got.Version)
	assert.Nil(t, got.Name)
}

func TestSessionParametersMissingIdentityFails(t *testing.T) {
	raw, err := marshal(map[uint64]int{1: 0}) // field 1 (type), no identity
	require.NoError(t, err)

	res := DecodeMessage(MessageTypeSessionParameters, raw, MessageParseOptions{})
	assert.False(t, res.OK)
}

func TestSupplyParametersRoundTrip(t *testing.T) {
	voltage := Voltage{Volts: 230}
	current := Current{Amperes: 16}
	powerLimit := Power{Watts: 3680}
	sp := SupplyParameters{Voltage: &voltage, Current: &current, PowerLimit: &powerLimit}

	raw, err := EncodeMessage(sp)
	require.NoError(t, err)
	res := DecodeMessage(MessageTypeSupplyParameters, raw, MessageParseOptions{})
	require.True(t, res.OK)
	got, ok := res.Value.(SupplyParameters)
	require.True(t, ok)
	require.NotNil(t, got.Voltage)
	assert.Equal(t, 230.0, got.Voltage.Volts)
	require.NotNil(t, got.PowerLimit)
	assert.Equal(t, 3680.0, got.PowerLimit.Watts)
	assert.Nil(t, got.PowerMix)
}

func TestPingRoundTrip(t *testing.T) {
	raw, err := EncodeMessage(Ping{})
	require.NoError(t, err)
	res := DecodeMessage(MessageTypePing, raw, MessageParseOptions{})
	require.True(t, res.OK)
	_, ok := res.Value.(Ping)
	assert.True(t, ok)
}

func TestUnknownMessageTypeIsLenientByDefault(t *testing.T) {
	res := DecodeMessage(0xDEADBEEF, []byte{}, MessageParseOptions{})
	require.True(t, res.OK)
	um, ok := res.Value.(UnknownMessage)
	require.True(t, ok)
	assert.Equal(t, uint32(0xDEADBEEF), um.TypeIDValue)

	require.NotEmpty(t, res.Diagnostics)
	assert.Equal(t, "UNKNOWN_MESSAGE_TYPE", res.Diagnostics[0].Code)
}

func TestUnknownMessageTypeFailsInStrictMode(t *testing.T) {
	res := DecodeMessage(0xDEADBEEF, []byte{}, MessageParseOptions{Strict: true})
	assert.False(t, res.OK)
}

func TestMessageTypeName(t *testing.T) {
	assert.Equal(t, "Ping", messageTypeName(Ping{}))
	assert.Equal(t, "SessionParameters", messageTypeName(SessionParameters{}))
	assert.Contains(t, messageTypeName(UnknownMessage{TypeIDValue: 0x1}), "UnknownMessage")
}

func TestSoftDisconnectRoundTrip(t *testing.T) {
	reconnect := true
	reason := "maintenance"
	sd := SoftDisconnect{Reconnect: &reconnect, Reason: &reason}
	raw, err := EncodeMessage(sd)
	require.NoError(t, err)
	res := DecodeMessage(MessageTypeSoftDisconnect, raw, MessageParseOptions{})
	require.True(t, res.OK)
	got := res.Value.(SoftDisconnect)
	require.NotNil(t, got.Reconnect)
	assert.True(t, *got.Reconnect)
	require.NotNil(t, got.Reason)
	assert.Equal(t, "maintenance", *got.Reason)
}
