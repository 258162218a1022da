package ep

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	raw, err := EncodeValue(v)
	require.NoError(t, err)

	collector := NewDiagnosticCollector()
	ctx := NewDiagnosticContext(collector)
	res := DecodeValue(raw, ctx)
	require.True(t, res.OK, "diagnostics: %v", res.Diagnostics)
	return res.Value
}

func TestScalarRoundTrip(t *testing.T) {
	assert.Equal(t, Voltage{Volts: 230.5}, roundTrip(t, Voltage{Volts: 230.5}))
	assert.Equal(t, Current{Amperes: 16}, roundTrip(t, Current{Amperes: 16}))
	assert.Equal(t, Power{Watts: 3680}, roundTrip(t, Power{Watts: 3680}))
	assert.Equal(t, Percentage{Percent: 87.25}, roundTrip(t, Percentage{Percent: 87.25}))
	assert.Equal(t, Flag{Value: true}, roundTrip(t, Flag{Value: true}))
	assert.Equal(t, Text{Value: "hello"}, roundTrip(t, Text{Value: "hello"}))
	assert.Equal(t, Duration{Millis: 1500}, roundTrip(t, Duration{Millis: 1500}))
}

func TestTimestampRoundTripTruncatesToNanosecondRFC3339(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 123000000, time.UTC)
	got := roundTrip(t, Timestamp{Value: now})
	ts, ok := got.(Timestamp)
	require.True(t, ok)
	assert.True(t, now.Equal(ts.Value))
}

func TestBoundsRoundTrip(t *testing.T) {
	b := Bounds{Min: Voltage{Volts: 200}, Max: Voltage{Volts: 250}}
	got := roundTrip(t, b)
	gb, ok := got.(Bounds)
	require.True(t, ok)
	assert.Equal(t, Voltage{Volts: 200}, gb.Min)
	assert.Equal(t, Voltage{Volts: 250}, gb.Max)
}

func TestSourceMixRoundTripAndOrdering(t *testing.T) {
	mix := SourceMix{Entries: map[EnergySource]float64{
		SourceSolar: 40,
		SourceWind:  60,
	}}
	raw1, err := EncodeValue(mix)
	require.NoError(t, err)
	raw2, err := EncodeValue(mix)
	require.NoError(t, err)
	assert.Equal(t, raw1, raw2, "encoding the same mix twice must be byte-identical")

	got := roundTrip(t, mix)
	gm, ok := got.(SourceMix)
	require.True(t, ok)
	assert.Equal(t, mix.Entries, gm.Entries)
}

func TestSourceMixDecodeSkipsUnknownSourceWithWarning(t *testing.T) {
	raw, err := marshal([]map[uint64]float64{
		{uint64(SourceWind): 50},
		{0xFF: 50}, // unknown source id
	})
	require.NoError(t, err)
	wrapped, err := marshal(map[uint64]cbor.RawMessage{typeIDSourceMix: raw})
	require.NoError(t, err)

	collector := NewDiagnosticCollector()
	ctx := NewDiagnosticContext(collector)
	res := DecodeValue(wrapped, ctx)
	require.True(t, res.OK)
	mix := res.Value.(SourceMix)
	assert.Len(t, mix.Entries, 1)
	assert.Contains(t, mix.Entries, SourceWind)

	var sawUnknownSource bool
	for _, d := range res.Diagnostics {
		if d.Code == "UNKNOWN_SOURCE_ID" {
			sawUnknownSource = true
		}
	}
	assert.True(t, sawUnknownSource)
}

func TestPriceForecastRoundTrip(t *testing.T) {
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	pf := PriceForecast{Entries: []PriceEntry{
		{At: at, Amount: 0.12, Currency: "EUR"},
		{At: at.Add(time.Hour), Amount: 0.15, Currency: "EUR"},
	}}
	got := roundTrip(t, pf)
	gpf, ok := got.(PriceForecast)
	require.True(t, ok)
	require.Len(t, gpf.Entries, 2)
	assert.Equal(t, "EUR", gpf.Entries[0].Currency)
	assert.InDelta(t, 0.15, gpf.Entries[1].Amount, 0.0001)
}

func TestIsolationStateRoundTripWithNilResistances(t *testing.T) {
	is := IsolationState{Status: IsolationOK}
	got := roundTrip(t, is)
	gis, ok := got.(IsolationState)
	require.True(t, ok)
	assert.Equal(t, IsolationOK, gis.Status)
	assert.Nil(t, gis.NegativeResistance)
	assert.Nil(t, gis.PositiveResistance)
}

func TestIsolationStateRoundTripWithResistances(t *testing.T) {
	neg := Resistance{Ohms: 1200}
	pos := Resistance{Ohms: 1500}
	is := IsolationState{Status: IsolationFault, NegativeResistance: &neg, PositiveResistance: &pos}
	got := roundTrip(t, is)
	gis, ok := got.(IsolationState)
	require.True(t, ok)
	require.NotNil(t, gis.NegativeResistance)
	require.NotNil(t, gis.PositiveResistance)
	assert.Equal(t, 1200.0, gis.NegativeResistance.Ohms)
	assert.Equal(t, 1500.0, gis.PositiveResistance.Ohms)
}

func TestDecodeValueRejectsMultiEntryMap(t *testing.T) {
	raw, err := marshal(map[uint64]int{typeIDVoltage: 1, typeIDCurrent: 2})
	require.NoError(t, err)

	collector := NewDiagnosticCollector()
	ctx := NewDiagnosticContext(collector)
	res := DecodeValue(raw, ctx)
	assert.False(t, res.OK)
	require.NotEmpty(t, res.Diagnostics)
	assert.Equal(t, "INVALID_VALUE", res.Diagnostics[0].Code)
}

func TestDecodeValueUnknownTypeID(t *testing.T) {
	raw, err := marshal(map[uint64]int{0x9999: 1})
	require.NoError(t, err)

	collector := NewDiagnosticCollector()
	ctx := NewDiagnosticContext(collector)
	res := DecodeValue(raw, ctx)
	assert.False(t, res.OK)
}

func TestEncodeValueEmitsFloat64NotFloat16(t *testing.T) {
	raw, err := EncodeValue(Voltage{Volts: 744})
	require.NoError(t, err)
	// A1 10 FB <8 bytes>: map(1), key 0x10 (typeIDVoltage), then a CBOR
	// float64 (major type 7, additional info 27 = 0xFB) — never a shrunk
	// float16 (0xF9) encoding, even though 744 round-trips losslessly either
	// way.
	assert.Equal(t, []byte{0xA1, 0x10, 0xFB}, raw[:3])
	assert.Len(t, raw, 3+8)
}

func TestDecodeF64WidensIntegerEncodings(t *testing.T) {
	raw, err := marshal(map[uint64]int64{typeIDVoltage: 230})
	require.NoError(t, err)

	collector := NewDiagnosticCollector()
	ctx := NewDiagnosticContext(collector)
	res := DecodeValue(raw, ctx)
	require.True(t, res.OK)
	v, ok := res.Value.(Voltage)
	require.True(t, ok)
	assert.Equal(t, 230.0, v.Volts)
}
