package ep

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message type IDs.
const (
	MessageTypePing              uint32 = 0xFFFFFFFF
	MessageTypeSessionParameters uint32 = 0xBABA5E55
	MessageTypeSoftDisconnect    uint32 = 0xBABADEAD
	MessageTypeSupplyParameters  uint32 = 0xDCDCF00D
	MessageTypeDemandParameters  uint32 = 0xDCDCFEED
	MessageTypeStorageParameters uint32 = 0xDCDCBA77
)

// Message is any payload variant carried by a Frame.
type Message interface {
	TypeID() uint32
	encodePayload() ([]byte, error)
}

// Ping carries no fields.
type Ping struct{}

func (Ping) TypeID() uint32                 { return MessageTypePing }
func (Ping) encodePayload() ([]byte, error) { return []byte{}, nil }

// SessionParameters announces an endpoint's identity during the handshake.
// Identity is required; every other field is optional.
type SessionParameters struct {
	Identity string
	Type     *string
	Version  *string
	Name     *string
	Tenant   *string
	Provider *string
	Session  *string
}

func (SessionParameters) TypeID() uint32 { return MessageTypeSessionParameters }

func (m SessionParameters) encodePayload() ([]byte, error) {
	b := newFieldBuilder()
	b.putText(0, &m.Identity)
	b.putText(1, m.Type)
	b.putText(2, m.Version)
	b.putText(3, m.Name)
	b.putText(4, m.Tenant)
	b.putText(5, m.Provider)
	b.putText(6, m.Session)
	return b.build()
}

// SoftDisconnect signals a graceful (or reconnecting) teardown intent.
type SoftDisconnect struct {
	Reconnect *bool
	Reason    *string
}

func (SoftDisconnect) TypeID() uint32 { return MessageTypeSoftDisconnect }

func (m SoftDisconnect) encodePayload() ([]byte, error) {
	b := newFieldBuilder()
	b.putFlag(0, m.Reconnect)
	b.putText(1, m.Reason)
	return b.build()
}

// SupplyParameters publishes the supply side of an energy transfer. All
// fields are optional.
type SupplyParameters struct {
	VoltageLimits *Bounds
	CurrentLimits *Bounds
	PowerLimit    *Power
	PowerMix      *SourceMix
	EnergyPrices  *PriceForecast
	Voltage       *Voltage
	Current       *Current
	Isolation     *IsolationState
}

func (SupplyParameters) TypeID() uint32 { return MessageTypeSupplyParameters }

func (m SupplyParameters) encodePayload() ([]byte, error) {
	b := newFieldBuilder()
	b.putValue(0, valueOrNil(m.VoltageLimits))
	b.putValue(1, valueOrNil(m.CurrentLimits))
	b.putValue(2, valueOrNil(m.PowerLimit))
	b.putValue(3, valueOrNil(m.PowerMix))
	b.putValue(4, valueOrNil(m.EnergyPrices))
	b.putValue(5, valueOrNil(m.Voltage))
	b.putValue(6, valueOrNil(m.Current))
	b.putValue(7, valueOrNil(m.Isolation))
	return b.build()
}

// DemandParameters publishes the demand side of an energy transfer. All
// fields are optional.
type DemandParameters struct {
	Voltage       *Voltage
	Current       *Current
	VoltageLimits *Bounds
	CurrentLimits *Bounds
	PowerLimit    *Power
	Duration      *Duration
}

func (DemandParameters) TypeID() uint32 { return MessageTypeDemandParameters }

func (m DemandParameters) encodePayload() ([]byte, error) {
	b := newFieldBuilder()
	b.putValue(0, valueOrNil(m.Voltage))
	b.putValue(1, valueOrNil(m.Current))
	b.putValue(2, valueOrNil(m.VoltageLimits))
	b.putValue(3, valueOrNil(m.CurrentLimits))
	b.putValue(4, valueOrNil(m.PowerLimit))
	b.putValue(5, valueOrNil(m.Duration))
	return b.build()
}

// StorageParameters publishes the state of a storage device. All fields are
// optional.
type StorageParameters struct {
	Soc           *Percentage
	SocTarget     *Percentage
	SocTargetTime *Timestamp
	Capacity      *Energy
	EnergyMixVal  *EnergyMix
}

func (StorageParameters) TypeID() uint32 { return MessageTypeStorageParameters }

func (m StorageParameters) encodePayload() ([]byte, error) {
	b := newFieldBuilder()
	b.putValue(0, valueOrNil(m.Soc))
	b.putValue(1, valueOrNil(m.SocTarget))
	b.putValue(2, valueOrNil(m.SocTargetTime))
	b.putValue(3, valueOrNil(m.Capacity))
	b.putValue(4, valueOrNil(m.EnergyMixVal))
	return b.build()
}

// UnknownMessage preserves the raw payload of a message whose type id is not
// in the registry (lenient parsing).
type UnknownMessage struct {
	TypeIDValue uint32
	RawPayload  []byte
}

func (m UnknownMessage) TypeID() uint32 { return m.TypeIDValue }

func (m UnknownMessage) encodePayload() ([]byte, error) {
	return m.RawPayload, nil
}

// --- field builder: shared optional-field encoding for payload maps ---

type fieldBuilder struct {
	fields map[uint64]cbor.RawMessage
	err    error
}

func newFieldBuilder() *fieldBuilder {
	return &fieldBuilder{fields: make(map[uint64]cbor.RawMessage)}
}

func (b *fieldBuilder) set(id uint64, v Value) {
	if b.err != nil || v == nil {
		return
	}
	raw, err := EncodeValue(v)
	if err != nil {
		b.err = err
		return
	}
	b.fields[id] = raw
}

func (b *fieldBuilder) putValue(id uint64, v Value) {
	b.set(id, v)
}

func (b *fieldBuilder) putText(id uint64, s *string) {
	if s == nil {
		return
	}
	b.set(id, Text{Value: *s})
}

func (b *fieldBuilder) putFlag(id uint64, v *bool) {
	if v == nil {
		return
	}
	b.set(id, Flag{Value: *v})
}

func (b *fieldBuilder) build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return marshal(b.fields)
}

// valueOrNil converts a typed optional pointer into a Value, or nil so the
// field builder omits it.
func valueOrNil[T any](p *T) Value {
	if p == nil {
		return nil
	}
	var v interface{} = *p
	val, ok := v.(Value)
	if !ok {
		panic(fmt.Sprintf("ep: %T does not implement Value", *p))
	}
	return val
}

// EncodeMessage serializes m into a Frame-ready payload.
func EncodeMessage(m Message) ([]byte, error) {
	raw, err := m.encodePayload()
	if err != nil {
		return nil, fmt.Errorf("ep: encode message %T: %w", m, err)
	}
	return raw, nil
}

// MessageParseOptions configures DecodeMessage.
type MessageParseOptions struct {
	// Strict promotes message-level warnings (e.g. unknown type id) to
	// errors and forces failure.
	Strict bool
}

// DecodeMessage maps a frame's (type id, payload) pair to a typed Message via
// the registry. Unknown type ids produce UnknownMessage plus a warning in
// lenient mode (the default); strict mode turns that warning into a failure.
func DecodeMessage(typeID uint32, payload []byte, opts MessageParseOptions) *ParseResult[Message] {
	collector := NewDiagnosticCollector()
	ctx := NewDiagnosticContext(collector)

	msg, err := decodeMessageByType(typeID, payload, ctx)
	if err != nil {
		ctx.Error("PARSE_ERROR", err.Error())
		r := failure[Message](collector.Items())
		return &r
	}

	if opts.Strict && len(collector.Items()) > 0 {
		collector.PromoteWarningsToErrors()
	}
	if collector.HasErrors() {
		r := failure[Message](collector.Items())
		return &r
	}
	r := success(msg, collector.Items())
	return &r
}

func decodeMessageByType(typeID uint32, payload []byte, ctx *DiagnosticContext) (Message, error) {
	var fields map[uint64]cbor.RawMessage
	if len(payload) > 0 {
		if err := cbor.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("payload is not a field map: %w", err)
		}
	}

	switch typeID {
	case MessageTypePing:
		return Ping{}, nil
	case MessageTypeSessionParameters:
		return decodeSessionParameters(fields, ctx)
	case MessageTypeSoftDisconnect:
		return decodeSoftDisconnect(fields, ctx), nil
	case MessageTypeSupplyParameters:
		return decodeSupplyParameters(fields, ctx), nil
	case MessageTypeDemandParameters:
		return decodeDemandParameters(fields, ctx), nil
	case MessageTypeStorageParameters:
		return decodeStorageParameters(fields, ctx), nil
	default:
		ctx.Warning("UNKNOWN_MESSAGE_TYPE", fmt.Sprintf("unrecognized message type id 0x%x", typeID))
		return UnknownMessage{TypeIDValue: typeID, RawPayload: payload}, nil
	}
}

// decodeField decodes field id into a Value, returning (nil, nil) when
// absent and reporting a PARSE_ERROR-worthy error when the bytes are
// present but malformed.
func decodeField(fields map[uint64]cbor.RawMessage, id uint64, ctx *DiagnosticContext, fieldName string) (Value, error) {
	raw, ok := fields[id]
	if !ok {
		return nil, nil
	}
	done := ctx.Push(fieldName)
	defer done()
	res := DecodeValue(raw, ctx)
	if !res.OK {
		return nil, fmt.Errorf("field %s: invalid value", fieldName)
	}
	return res.Value, nil
}

func decodeSessionParameters(fields map[uint64]cbor.RawMessage, ctx *DiagnosticContext) (Message, error) {
	identityVal, err := decodeField(fields, 0, ctx, "identity")
	if err != nil {
		return nil, err
	}
	identityText, ok := identityVal.(Text)
	if identityVal == nil || !ok {
		return nil, fmt.Errorf("required field identity is missing or not Text")
	}
	m := SessionParameters{Identity: identityText.Value}
	m.Type = decodeOptionalText(fields, 1, ctx, "type")
	m.Version = decodeOptionalText(fields, 2, ctx, "version")
	m.Name = decodeOptionalText(fields, 3, ctx, "name")
	m.Tenant = decodeOptionalText(fields, 4, ctx, "tenant")
	m.Provider = decodeOptionalText(fields, 5, ctx, "provider")
	m.Session = decodeOptionalText(fields, 6, ctx, "session")
	return m, nil
}

func decodeOptionalText(fields map[uint64]cbor.RawMessage, id uint64, ctx *DiagnosticContext, name string) *string {
	v, err := decodeField(fields, id, ctx, name)
	if err != nil || v == nil {
		if err != nil {
			ctx.Warning("PARSE_ERROR", err.Error())
		}
		return nil
	}
	t, ok := v.(Text)
	if !ok {
		ctx.Warning("PARSE_ERROR", fmt.Sprintf("field %s is not Text", name))
		return nil
	}
	return &t.Value
}

func decodeSoftDisconnect(fields map[uint64]cbor.RawMessage, ctx *DiagnosticContext) Message {
	m := SoftDisconnect{}
	if v, err := decodeField(fields, 0, ctx, "reconnect"); err == nil && v != nil {
		if f, ok := v.(Flag); ok {
			m.Reconnect = &f.Value
		}
	}
	m.Reason = decodeOptionalText(fields, 1, ctx, "reason")
	return m
}

func decodeSupplyParameters(fields map[uint64]cbor.RawMessage, ctx *DiagnosticContext) Message {
	m := SupplyParameters{}
	if v, _ := decodeField(fields, 0, ctx, "voltageLimits"); v != nil {
		if b, ok := v.(Bounds); ok {
			m.VoltageLimits = &b
		}
	}
	if v, _ := decodeField(fields, 1, ctx, "currentLimits"); v != nil {
		if b, ok := v.(Bounds); ok {
			m.CurrentLimits = &b
		}
	}
	if v, _ := decodeField(fields, 2, ctx, "powerLimit"); v != nil {
		if p, ok := v.(Power); ok {
			m.PowerLimit = &p
		}
	}
	if v, _ := decodeField(fields, 3, ctx, "powerMix"); v != nil {
		if p, ok := v.(SourceMix); ok {
			m.PowerMix = &p
		}
	}
	if v, _ := decodeField(fields, 4, ctx, "energyPrices"); v != nil {
		if p, ok := v.(PriceForecast); ok {
			m.EnergyPrices = &p
		}
	}
	if v, _ := decodeField(fields, 5, ctx, "voltage"); v != nil {
		if p, ok := v.(Voltage); ok {
			m.Voltage = &p
		}
	}
	if v, _ := decodeField(fields, 6, ctx, "current"); v != nil {
		if p, ok := v.(Current); ok {
			m.Current = &p
		}
	}
	if v, _ := decodeField(fields, 7, ctx, "isolation"); v != nil {
		if p, ok := v.(IsolationState); ok {
			m.Isolation = &p
		}
	}
	return m
}

func decodeDemandParameters(fields map[uint64]cbor.RawMessage, ctx *DiagnosticContext) Message {
	m := DemandParameters{}
	if v, _ := decodeField(fields, 0, ctx, "voltage"); v != nil {
		if p, ok := v.(Voltage); ok {
			m.Voltage = &p
		}
	}
	if v, _ := decodeField(fields, 1, ctx, "current"); v != nil {
		if p, ok := v.(Current); ok {
			m.Current = &p
		}
	}
	if v, _ := decodeField(fields, 2, ctx, "voltageLimits"); v != nil {
		if b, ok := v.(Bounds); ok {
			m.VoltageLimits = &b
		}
	}
	if v, _ := decodeField(fields, 3, ctx, "currentLimits"); v != nil {
		if b, ok := v.(Bounds); ok {
			m.CurrentLimits = &b
		}
	}
	if v, _ := decodeField(fields, 4, ctx, "powerLimit"); v != nil {
		if p, ok := v.(Power); ok {
			m.PowerLimit = &p
		}
	}
	if v, _ := decodeField(fields, 5, ctx, "duration"); v != nil {
		if p, ok := v.(Duration); ok {
			m.Duration = &p
		}
	}
	return m
}

func decodeStorageParameters(fields map[uint64]cbor.RawMessage, ctx *DiagnosticContext) Message {
	m := StorageParameters{}
	if v, _ := decodeField(fields, 0, ctx, "soc"); v != nil {
		if p, ok := v.(Percentage); ok {
			m.Soc = &p
		}
	}
	if v, _ := decodeField(fields, 1, ctx, "socTarget"); v != nil {
		if p, ok := v.(Percentage); ok {
			m.SocTarget = &p
		}
	}
	if v, _ := decodeField(fields, 2, ctx, "socTargetTime"); v != nil {
		if p, ok := v.(Timestamp); ok {
			m.SocTargetTime = &p
		}
	}
	if v, _ := decodeField(fields, 3, ctx, "capacity"); v != nil {
		if p, ok := v.(Energy); ok {
			m.Capacity = &p
		}
	}
	if v, _ := decodeField(fields, 4, ctx, "energyMix"); v != nil {
		if p, ok := v.(EnergyMix); ok {
			m.EnergyMixVal = &p
		}
	}
	return m
}

// messageTypeName returns a human-readable name for diagnostics (handshake
// failure reasons must contain the offending type name).
func messageTypeName(m Message) string {
	switch m.(type) {
	case Ping:
		return "Ping"
	case SessionParameters:
		return "SessionParameters"
	case SoftDisconnect:
		return "SoftDisconnect"
	case SupplyParameters:
		return "SupplyParameters"
	case DemandParameters:
		return "DemandParameters"
	case StorageParameters:
		return "StorageParameters"
	case UnknownMessage:
		return fmt.Sprintf("UnknownMessage(0x%x)", m.(UnknownMessage).TypeIDValue)
	default:
		return fmt.Sprintf("%T", m)
	}
}
