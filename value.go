package ep

import (
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Type IDs for tagged scalar/composite values.
const (
	typeIDText       uint64 = 0x00
	typeIDFlag       uint64 = 0x01
	typeIDAmount     uint64 = 0x02
	typeIDTimestamp  uint64 = 0x03
	typeIDBinary     uint64 = 0x04
	typeIDCurrency   uint64 = 0x05
	typeIDDuration   uint64 = 0x06
	typeIDVoltage    uint64 = 0x10
	typeIDCurrent    uint64 = 0x11
	typeIDPower      uint64 = 0x12
	typeIDEnergy     uint64 = 0x13
	typeIDPercentage uint64 = 0x14
	typeIDResistance uint64 = 0x15
	typeIDBounds     uint64 = 0x20
	typeIDPriceFcst  uint64 = 0x30
	typeIDSourceMix  uint64 = 0x40
	typeIDEnergyMix  uint64 = 0x41
	typeIDIsolation  uint64 = 0x50
)

// Value is any tagged domain value: a semantic container identified by its
// wire type ID, serialized as a single-entry CBOR map {typeId: raw}.
type Value interface {
	typeID() uint64
	// encodeInner returns the raw CBOR encoding of this value's contents
	// (the map's single value, not the {typeId: ...} wrapper itself).
	encodeInner() ([]byte, error)
}

// --- scalars ---

type Voltage struct{ Volts float64 }
type Current struct{ Amperes float64 }
type Power struct{ Watts float64 }
type Energy struct{ WattHours float64 }
type Percentage struct{ Percent float64 }
type Resistance struct{ Ohms float64 }
type Amount struct{ Value float64 }
type Duration struct{ Millis int64 }
type Text struct{ Value string }
type Flag struct{ Value bool }
type Binary struct{ Value []byte }
type Timestamp struct{ Value time.Time }
type Currency struct{ Code string }

func (Voltage) typeID() uint64    { return typeIDVoltage }
func (Current) typeID() uint64    { return typeIDCurrent }
func (Power) typeID() uint64      { return typeIDPower }
func (Energy) typeID() uint64     { return typeIDEnergy }
func (Percentage) typeID() uint64 { return typeIDPercentage }
func (Resistance) typeID() uint64 { return typeIDResistance }
func (Amount) typeID() uint64     { return typeIDAmount }
func (Duration) typeID() uint64   { return typeIDDuration }
func (Text) typeID() uint64       { return typeIDText }
func (Flag) typeID() uint64       { return typeIDFlag }
func (Binary) typeID() uint64     { return typeIDBinary }
func (Timestamp) typeID() uint64  { return typeIDTimestamp }
func (Currency) typeID() uint64   { return typeIDCurrency }

func (v Voltage) encodeInner() ([]byte, error)    { return marshal(v.Volts) }
func (v Current) encodeInner() ([]byte, error)    { return marshal(v.Amperes) }
func (v Power) encodeInner() ([]byte, error)      { return marshal(v.Watts) }
func (v Energy) encodeInner() ([]byte, error)     { return marshal(v.WattHours) }
func (v Percentage) encodeInner() ([]byte, error) { return marshal(v.Percent) }
func (v Resistance) encodeInner() ([]byte, error) { return marshal(v.Ohms) }
func (v Amount) encodeInner() ([]byte, error)     { return marshal(v.Value) }
func (v Duration) encodeInner() ([]byte, error)   { return marshal(v.Millis) }
func (v Text) encodeInner() ([]byte, error)       { return marshal(v.Value) }
func (v Flag) encodeInner() ([]byte, error)       { return marshal(v.Value) }
func (v Binary) encodeInner() ([]byte, error)     { return marshal(v.Value) }
func (v Currency) encodeInner() ([]byte, error)   { return marshal(v.Code) }
func (v Timestamp) encodeInner() ([]byte, error) {
	return marshal(v.Value.UTC().Format(time.RFC3339Nano))
}

// --- enums ---

// EnergySource enumerates the generation source kinds.
type EnergySource int

const (
	SourceWind EnergySource = iota + 1
	SourceSolar
	SourceHydro
	SourceNuclear
	SourceGas
	SourceOil
	SourceCoal
	SourceLocalWind
	SourceLocalSolar
)

var energySourceNames = map[EnergySource]string{
	SourceWind:       "WIND",
	SourceSolar:      "SOLAR",
	SourceHydro:      "HYDRO",
	SourceNuclear:    "NUCLEAR",
	SourceGas:        "GAS",
	SourceOil:        "OIL",
	SourceCoal:       "COAL",
	SourceLocalWind:  "LOCAL_WIND",
	SourceLocalSolar: "LOCAL_SOLAR",
}

func (s EnergySource) String() string {
	if n, ok := energySourceNames[s]; ok {
		return n
	}
	return fmt.Sprintf("EnergySource(%d)", int(s))
}

func (s EnergySource) valid() bool {
	_, ok := energySourceNames[s]
	return ok
}

// IsolationStatus enumerates the status codes of an IsolationState.
type IsolationStatus int

const (
	IsolationUnknown IsolationStatus = iota
	IsolationOK
	IsolationWarning
	IsolationFault
)

var isolationStatusNames = map[IsolationStatus]string{
	IsolationUnknown: "UNKNOWN",
	IsolationOK:      "OK",
	IsolationWarning: "WARNING",
	IsolationFault:   "FAULT",
}

func (s IsolationStatus) String() string {
	if n, ok := isolationStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("IsolationStatus(%d)", int(s))
}

// --- composites ---

// Bounds is a generic inclusive min/max pair of Values (id 0x20).
type Bounds struct {
	Min, Max Value
}

func (Bounds) typeID() uint64 { return typeIDBounds }

func (b Bounds) encodeInner() ([]byte, error) {
	minRaw, err := EncodeValue(b.Min)
	if err != nil {
		return nil, err
	}
	maxRaw, err := EncodeValue(b.Max)
	if err != nil {
		return nil, err
	}
	return marshal([]cbor.RawMessage{minRaw, maxRaw})
}

// SourceMix maps EnergySource to Percentage (id 0x40).
type SourceMix struct {
	Entries map[EnergySource]float64
}

func (SourceMix) typeID() uint64 { return typeIDSourceMix }

func (m SourceMix) encodeInner() ([]byte, error) {
	return marshal(encodeMixEntries(m.Entries))
}

// EnergyMix maps EnergySource to Energy in watt-hours (id 0x41).
type EnergyMix struct {
	Entries map[EnergySource]float64
}

func (EnergyMix) typeID() uint64 { return typeIDEnergyMix }

func (m EnergyMix) encodeInner() ([]byte, error) {
	return marshal(encodeMixEntries(m.Entries))
}

// encodeMixEntries builds the array-of-single-entry-maps shape shared by
// SourceMix/EnergyMix, iterating sources in ascending id order so that
// encoding the same mix twice yields identical bytes.
func encodeMixEntries(m map[EnergySource]float64) []map[uint64]float64 {
	sources := make([]EnergySource, 0, len(m))
	for src := range m {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	entries := make([]map[uint64]float64, 0, len(sources))
	for _, src := range sources {
		entries = append(entries, map[uint64]float64{uint64(src): m[src]})
	}
	return entries
}

// PriceEntry is one (Timestamp, Amount, Currency) triple of a PriceForecast.
type PriceEntry struct {
	At       time.Time
	Amount   float64
	Currency string
}

// PriceForecast is an ordered list of price entries (id 0x30).
type PriceForecast struct {
	Entries []PriceEntry
}

func (PriceForecast) typeID() uint64 { return typeIDPriceFcst }

func (f PriceForecast) encodeInner() ([]byte, error) {
	rows := make([][3]cbor.RawMessage, 0, len(f.Entries))
	for _, e := range f.Entries {
		ts, err := marshal(e.At.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return nil, err
		}
		amt, err := marshal(e.Amount)
		if err != nil {
			return nil, err
		}
		cur, err := marshal(e.Currency)
		if err != nil {
			return nil, err
		}
		rows = append(rows, [3]cbor.RawMessage{ts, amt, cur})
	}
	return marshal(rows)
}

// IsolationState carries an isolation status plus optional fault resistances
// (id 0x50).
type IsolationState struct {
	Status             IsolationStatus
	NegativeResistance *Resistance
	PositiveResistance *Resistance
}

func (IsolationState) typeID() uint64 { return typeIDIsolation }

func (s IsolationState) encodeInner() ([]byte, error) {
	elems := make([]cbor.RawMessage, 0, 3)
	statusRaw, err := marshal(uint64(s.Status))
	if err != nil {
		return nil, err
	}
	elems = append(elems, statusRaw)

	encodeResistanceOrNull := func(r *Resistance) (cbor.RawMessage, error) {
		if r == nil {
			return marshal(nil)
		}
		raw, err := EncodeValue(*r)
		if err != nil {
			return nil, err
		}
		return cbor.RawMessage(raw), nil
	}
	neg, err := encodeResistanceOrNull(s.NegativeResistance)
	if err != nil {
		return nil, err
	}
	pos, err := encodeResistanceOrNull(s.PositiveResistance)
	if err != nil {
		return nil, err
	}
	elems = append(elems, neg, pos)
	return marshal(elems)
}

// EncodeValue serializes any Value into its wire form: a single-entry CBOR
// map keyed by the value's type ID.
func EncodeValue(v Value) ([]byte, error) {
	inner, err := v.encodeInner()
	if err != nil {
		return nil, fmt.Errorf("ep: encode value %T: %w", v, err)
	}
	return marshal(map[uint64]cbor.RawMessage{v.typeID(): inner})
}

// DecodeValue parses one tagged value from data, reporting diagnostics
// through ctx. It never panics; a nil ctx is not permitted by callers within
// this package (top-level entry points always construct one).
func DecodeValue(data []byte, ctx *DiagnosticContext) ParseResult[Value] {
	var m map[uint64]cbor.RawMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		ctx.Error("INVALID_VALUE", "value is not a single-entry map: "+err.Error())
		return failure[Value](ctx.Collector().Items())
	}
	if len(m) != 1 {
		ctx.Error("INVALID_VALUE", fmt.Sprintf("expected exactly one entry, found %d", len(m)))
		return failure[Value](ctx.Collector().Items())
	}
	var typeID uint64
	var raw cbor.RawMessage
	for k, v := range m {
		typeID, raw = k, v
	}

	v, err := decodeByTypeID(typeID, raw, ctx)
	if err != nil {
		ctx.Error("PARSE_ERROR", err.Error())
		return failure[Value](ctx.Collector().Items())
	}
	return success(v, ctx.Collector().Items())
}

func decodeByTypeID(typeID uint64, raw cbor.RawMessage, ctx *DiagnosticContext) (Value, error) {
	switch typeID {
	case typeIDText:
		s, err := decodeString(raw)
		return Text{Value: s}, err
	case typeIDFlag:
		b, err := decodeBool(raw)
		return Flag{Value: b}, err
	case typeIDAmount:
		f, err := decodeF64(raw)
		return Amount{Value: f}, err
	case typeIDTimestamp:
		t, err := decodeTimestamp(raw)
		return Timestamp{Value: t}, err
	case typeIDBinary:
		b, err := decodeBytes(raw)
		return Binary{Value: b}, err
	case typeIDCurrency:
		s, err := decodeString(raw)
		return Currency{Code: s}, err
	case typeIDDuration:
		i, err := decodeI64(raw)
		return Duration{Millis: i}, err
	case typeIDVoltage:
		f, err := decodeF64(raw)
		return Voltage{Volts: f}, err
	case typeIDCurrent:
		f, err := decodeF64(raw)
		return Current{Amperes: f}, err
	case typeIDPower:
		f, err := decodeF64(raw)
		return Power{Watts: f}, err
	case typeIDEnergy:
		f, err := decodeF64(raw)
		return Energy{WattHours: f}, err
	case typeIDPercentage:
		f, err := decodeF64(raw)
		return Percentage{Percent: f}, err
	case typeIDResistance:
		f, err := decodeF64(raw)
		return Resistance{Ohms: f}, err
	case typeIDBounds:
		return decodeBounds(raw, ctx)
	case typeIDPriceFcst:
		return decodePriceForecast(raw, ctx)
	case typeIDSourceMix:
		return decodeSourceMix(raw, ctx)
	case typeIDEnergyMix:
		return decodeEnergyMix(raw, ctx)
	case typeIDIsolation:
		return decodeIsolationState(raw, ctx)
	default:
		return nil, fmt.Errorf("unknown value type id 0x%x", typeID)
	}
}

// decodeF64 widens any CBOR numeric encoding (unsigned int, negative int,
// float16/32/64) to float64.
func decodeF64(raw cbor.RawMessage) (float64, error) {
	var iface interface{}
	if err := cbor.Unmarshal(raw, &iface); err != nil {
		return 0, err
	}
	switch n := iface.(type) {
	case uint64:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", iface)
	}
}

// decodeI64 widens any CBOR integer to int64 and truncates floats.
func decodeI64(raw cbor.RawMessage) (int64, error) {
	var iface interface{}
	if err := cbor.Unmarshal(raw, &iface); err != nil {
		return 0, err
	}
	switch n := iface.(type) {
	case uint64:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer value, got %T", iface)
	}
}

func decodeString(raw cbor.RawMessage) (string, error) {
	var s string
	err := cbor.Unmarshal(raw, &s)
	return s, err
}

func decodeBool(raw cbor.RawMessage) (bool, error) {
	var b bool
	err := cbor.Unmarshal(raw, &b)
	return b, err
}

func decodeBytes(raw cbor.RawMessage) ([]byte, error) {
	var b []byte
	err := cbor.Unmarshal(raw, &b)
	return b, err
}

func decodeTimestamp(raw cbor.RawMessage) (time.Time, error) {
	s, err := decodeString(raw)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

func decodeBounds(raw cbor.RawMessage, ctx *DiagnosticContext) (Value, error) {
	var elems []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("bounds: %w", err)
	}
	if len(elems) != 2 {
		return nil, fmt.Errorf("bounds: expected 2 elements, got %d", len(elems))
	}
	defer ctx.Push("min")()
	minRes := DecodeValue(elems[0], ctx)
	if !minRes.OK {
		return nil, fmt.Errorf("bounds: invalid min")
	}
	maxCtxDone := ctx.Push("max")
	maxRes := DecodeValue(elems[1], ctx)
	maxCtxDone()
	if !maxRes.OK {
		return nil, fmt.Errorf("bounds: invalid max")
	}
	return Bounds{Min: minRes.Value, Max: maxRes.Value}, nil
}

func decodePriceForecast(raw cbor.RawMessage, ctx *DiagnosticContext) (Value, error) {
	var rows []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("price forecast: %w", err)
	}
	out := PriceForecast{}
	for i, row := range rows {
		var elems []cbor.RawMessage
		if err := cbor.Unmarshal(row, &elems); err != nil || len(elems) != 3 {
			ctx.Warning("INVALID_PRICE_ENTRY", fmt.Sprintf("entry %d: malformed triple", i))
			continue
		}
		ts, err1 := decodeTimestamp(elems[0])
		amt, err2 := decodeF64(elems[1])
		cur, err3 := decodeString(elems[2])
		if err1 != nil || err2 != nil || err3 != nil {
			ctx.Warning("INVALID_PRICE_ENTRY", fmt.Sprintf("entry %d: missing required sub-field", i))
			continue
		}
		out.Entries = append(out.Entries, PriceEntry{At: ts, Amount: amt, Currency: cur})
	}
	return out, nil
}

func decodeSourceMix(raw cbor.RawMessage, ctx *DiagnosticContext) (Value, error) {
	entries, err := decodeMixEntries(raw, ctx, "MISSING_PERCENTAGE")
	if err != nil {
		return nil, err
	}
	return SourceMix{Entries: entries}, nil
}

func decodeEnergyMix(raw cbor.RawMessage, ctx *DiagnosticContext) (Value, error) {
	entries, err := decodeMixEntries(raw, ctx, "MISSING_ENERGY")
	if err != nil {
		return nil, err
	}
	return EnergyMix{Entries: entries}, nil
}

// decodeMixEntries implements the array-of-single-entry-maps shape shared by
// SourceMix and EnergyMix.
func decodeMixEntries(raw cbor.RawMessage, ctx *DiagnosticContext, missingValueCode string) (map[EnergySource]float64, error) {
	var rows []map[uint64]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("mix: %w", err)
	}
	out := make(map[EnergySource]float64)
	for _, row := range rows {
		if len(row) == 0 {
			ctx.Warning("EMPTY_SOURCE_ENTRY", "mix entry has no fields")
			continue
		}
		var id uint64
		var valRaw cbor.RawMessage
		for k, v := range row {
			id, valRaw = k, v
			break
		}
		src := EnergySource(id)
		if !src.valid() {
			ctx.Warning("UNKNOWN_SOURCE_ID", fmt.Sprintf("unknown source id 0x%x", id))
			continue
		}
		if _, dup := out[src]; dup {
			ctx.Warning("DUPLICATE_SOURCE", fmt.Sprintf("duplicate source %s, keeping first", src))
			continue
		}
		val, err := decodeF64(valRaw)
		if err != nil {
			ctx.Warning(missingValueCode, fmt.Sprintf("source %s: %v", src, err))
			continue
		}
		out[src] = val
	}
	return out, nil
}

func decodeIsolationState(raw cbor.RawMessage, ctx *DiagnosticContext) (Value, error) {
	var elems []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("isolation state: %w", err)
	}
	if len(elems) < 1 {
		return nil, fmt.Errorf("isolation state: requires at least a status element")
	}
	statusVal, err := decodeI64(elems[0])
	if err != nil {
		return nil, fmt.Errorf("isolation state: invalid status: %w", err)
	}
	out := IsolationState{Status: IsolationStatus(statusVal)}

	decodeResistanceElem := func(i int) *Resistance {
		if i >= len(elems) {
			return nil
		}
		if isCBORNull(elems[i]) {
			return nil
		}
		res := DecodeValue(elems[i], ctx)
		if !res.OK {
			return nil
		}
		if r, ok := res.Value.(Resistance); ok {
			return &r
		}
		return nil
	}
	out.NegativeResistance = decodeResistanceElem(1)
	out.PositiveResistance = decodeResistanceElem(2)
	return out, nil
}

func isCBORNull(raw cbor.RawMessage) bool {
	return len(raw) == 1 && raw[0] == 0xf6
}
