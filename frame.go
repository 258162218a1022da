package ep

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Magic is the deliberately non-canonical CBOR array(3) header every encoded
// frame must start with: it exists to serve as a sync
// marker for stream recovery, which a minimal/canonical encoding would not
// reliably provide.
var Magic = [5]byte{0x9A, 0x00, 0x00, 0x00, 0x03}

// canonicalArrayHeader is the minimal/canonical CBOR array(3) header,
// accepted leniently on decode with a warning.
const canonicalArrayHeader = 0x83

// DefaultMaxFrameBytes bounds the number of bytes a single DecodeFrame call
// will read, preventing a corrupted length field from triggering a huge
// allocation.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// HeaderKind discriminates the wire representation of a Header value.
type HeaderKind int

const (
	HeaderText HeaderKind = iota
	HeaderInt
	HeaderBool
	HeaderBytes
	HeaderFloat
)

// Header is one entry of a Frame's header map. Exactly one field is
// meaningful, selected by Kind.
type Header struct {
	Kind  HeaderKind
	Text  string
	Int   int64
	Bool  bool
	Bytes []byte
	Float float64
}

func (h Header) encode() ([]byte, error) {
	switch h.Kind {
	case HeaderText:
		return marshal(h.Text)
	case HeaderInt:
		return marshal(h.Int)
	case HeaderBool:
		return marshal(h.Bool)
	case HeaderBytes:
		return marshal(h.Bytes)
	case HeaderFloat:
		return marshal(h.Float)
	default:
		return nil, fmt.Errorf("ep: unknown header kind %d", h.Kind)
	}
}

// Equal reports value equality, comparing bytestring headers by content.
func (h Header) Equal(o Header) bool {
	if h.Kind != o.Kind {
		return false
	}
	switch h.Kind {
	case HeaderText:
		return h.Text == o.Text
	case HeaderInt:
		return h.Int == o.Int
	case HeaderBool:
		return h.Bool == o.Bool
	case HeaderBytes:
		return string(h.Bytes) == string(o.Bytes)
	case HeaderFloat:
		return h.Float == o.Float
	}
	return false
}

// Frame is the wire envelope: headers + message type + opaque payload.
type Frame struct {
	Headers       map[uint32]Header
	MessageTypeID uint32
	Payload       []byte
}

// EncodeFrame serializes f deterministically: encoding the same frame twice
// always yields identical bytes.
func EncodeFrame(f Frame) ([]byte, error) {
	out := make([]byte, 0, 64)
	out = append(out, Magic[:]...)

	headersRaw, err := encodeHeaders(f.Headers)
	if err != nil {
		return nil, fmt.Errorf("ep: encode frame headers: %w", err)
	}
	out = append(out, headersRaw...)

	var typeBuf [5]byte
	typeBuf[0] = 0x1A // CBOR major type 0 (uint), additional info 26: forced 4-byte form
	binary.BigEndian.PutUint32(typeBuf[1:], f.MessageTypeID)
	out = append(out, typeBuf[:]...)

	payloadRaw, err := marshal(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("ep: encode frame payload: %w", err)
	}
	out = append(out, payloadRaw...)

	return out, nil
}

func encodeHeaders(headers map[uint32]Header) ([]byte, error) {
	if len(headers) == 0 {
		return marshal(nil)
	}
	m := make(map[uint64]cbor.RawMessage, len(headers))
	for k, h := range headers {
		raw, err := h.encode()
		if err != nil {
			return nil, err
		}
		m[uint64(k)] = raw
	}
	return marshal(m)
}

// FrameDecodeOptions configures DecodeFrame.
type FrameDecodeOptions struct {
	// MaxBytes caps the number of bytes read for one frame. Zero selects
	// DefaultMaxFrameBytes.
	MaxBytes int
	// Strict promotes every WARNING diagnostic produced while decoding this
	// frame's envelope to ERROR and forces failure if any were emitted.
	Strict bool
}

type cappedReader struct {
	r         *bufio.Reader
	remaining int
	read      int
}

// newCappedReader wraps br directly rather than allocating a fresh
// bufio.Reader: callers decoding a sequence of frames off the same stream
// share one persistent *bufio.Reader across calls so bytes it has already
// buffered past the current frame are not discarded between frames.
func newCappedReader(br *bufio.Reader, max int) *cappedReader {
	return &cappedReader{r: br, remaining: max}
}

var errFrameTooLarge = errors.New("ep: frame exceeds max byte cap")

func (c *cappedReader) ReadByte() (byte, error) {
	if c.remaining <= 0 {
		return 0, errFrameTooLarge
	}
	b, err := c.r.ReadByte()
	if err == nil {
		c.remaining--
		c.read++
	}
	return b, err
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, errFrameTooLarge
	}
	if len(p) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= n
	c.read += n
	return n, err
}

// byteReader feeds the CBOR decoder one byte per Read so it never buffers
// bytes beyond the item it is decoding.
type byteReader struct{ cr *cappedReader }

func (r byteReader) Read(p []byte) (int, error) {
	b, err := r.cr.ReadByte()
	if err != nil {
		return 0, err
	}
	p[0] = b
	return 1, nil
}

func (c *cappedReader) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	return buf, err
}

// DecodeFrame reads exactly one frame from r. It returns nil on a clean EOF
// (no bytes available at all before the first byte of the next frame);
// otherwise it returns a ParseResult that is either a successful decode
// (possibly carrying warnings) or a failure carrying at least one error
//. DecodeFrame never panics.
//
// r is wrapped in a fresh bufio.Reader, so this is only safe to call once
// per underlying stream. A caller decoding repeated frames off the same
// connection must use DecodeFrameBuffered with one persistent *bufio.Reader
// instead, or risk losing bytes buffered past the current frame.
func DecodeFrame(r io.Reader, opts FrameDecodeOptions) *ParseResult[Frame] {
	return DecodeFrameBuffered(bufio.NewReader(r), opts)
}

// DecodeFrameBuffered reads exactly one frame from br. Unlike DecodeFrame, br
// is the caller's own persistent *bufio.Reader: bytes it has already
// buffered past the current frame's boundary survive into the next call.
func DecodeFrameBuffered(br *bufio.Reader, opts FrameDecodeOptions) *ParseResult[Frame] {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	cr := newCappedReader(br, maxBytes)
	collector := NewDiagnosticCollector()
	ctx := NewDiagnosticContext(collector)

	first, err := cr.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) && cr.read == 0 {
			return nil
		}
		ctx.Error("READ_ERROR", "truncated frame: "+err.Error())
		return finishFrame(nil, ctx, opts.Strict)
	}

	switch {
	case first == canonicalArrayHeader:
		ctx.Warning("CANONICAL_ARRAY_HEADER", "frame used canonical CBOR array(3) header instead of the non-canonical magic")
	case first == Magic[0]:
		lenBytes, err := cr.readFull(4)
		if err != nil {
			ctx.Error("READ_ERROR", "truncated magic length: "+err.Error())
			return finishFrame(nil, ctx, opts.Strict)
		}
		length := binary.BigEndian.Uint32(lenBytes)
		if length != 3 {
			// Don't bail out here: keep decoding the headers/type/payload
			// elements best-effort so any further structural diagnostics
			// surface too. The recorded INVALID_FRAME error below still
			// fails the frame once finishFrame runs.
			ctx.Warning("INVALID_ARRAY_LENGTH", fmt.Sprintf("magic array length %d, expected 3", length))
			ctx.Error("INVALID_FRAME", "frame element count does not match the fixed 3-field structure")
		}
	default:
		ctx.Error("INVALID_MAGIC", fmt.Sprintf("unexpected first byte 0x%02x", first))
		return finishFrame(nil, ctx, opts.Strict)
	}

	dec := cbor.NewDecoder(byteReader{cr})

	headers, err := decodeHeadersItem(dec, ctx)
	if err != nil {
		ctx.Error("READ_ERROR", "reading headers: "+err.Error())
		return finishFrame(nil, ctx, opts.Strict)
	}

	var typeRaw cbor.RawMessage
	if err := dec.Decode(&typeRaw); err != nil {
		ctx.Error("READ_ERROR", "reading message type: "+err.Error())
		return finishFrame(nil, ctx, opts.Strict)
	}
	typeID, err := decodeFrameTypeID(typeRaw)
	if err != nil {
		ctx.Error("INVALID_FRAME", "message type element must be a uint32: "+err.Error())
		return finishFrame(nil, ctx, opts.Strict)
	}

	var payload []byte
	if err := dec.Decode(&payload); err != nil {
		ctx.Error("INVALID_FRAME", "payload element must be a bytestring: "+err.Error())
		return finishFrame(nil, ctx, opts.Strict)
	}

	f := Frame{Headers: headers, MessageTypeID: typeID, Payload: payload}
	return finishFrame(&f, ctx, opts.Strict)
}

func finishFrame(f *Frame, ctx *DiagnosticContext, strict bool) *ParseResult[Frame] {
	collector := ctx.Collector()
	if f == nil {
		r := failure[Frame](collector.Items())
		return &r
	}
	if strict && len(collector.Items()) > 0 {
		collector.PromoteWarningsToErrors()
	}
	if collector.HasErrors() {
		r := failure[Frame](collector.Items())
		return &r
	}
	r := success(*f, collector.Items())
	return &r
}

// decodeHeadersItem decodes the headers array element: CBOR null or a
// map<u32,header-value>. Unrecognized keys/values are skipped per-entry with
// a warning rather than failing the frame.
func decodeHeadersItem(dec *cbor.Decoder, ctx *DiagnosticContext) (map[uint32]Header, error) {
	var raw cbor.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if isCBORNull(raw) {
		return nil, nil
	}

	var m map[cbor.RawMessage]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &m); err != nil {
		ctx.Warning("INVALID_HEADERS_TYPE", "headers element is not a map: "+err.Error())
		return map[uint32]Header{}, nil
	}

	out := make(map[uint32]Header, len(m))
	for kRaw, vRaw := range m {
		var keyIface interface{}
		if err := cbor.Unmarshal(kRaw, &keyIface); err != nil {
			ctx.Warning("INVALID_HEADER_KEY", "header key could not be decoded")
			continue
		}
		keyU, ok := keyIface.(uint64)
		if !ok {
			ctx.Warning("INVALID_HEADER_KEY", fmt.Sprintf("header key %v is not a positive integer", keyIface))
			continue
		}
		h, err := decodeHeaderValue(vRaw)
		if err != nil {
			ctx.Warning("INVALID_HEADER_VALUE", fmt.Sprintf("header %d: %v", keyU, err))
			continue
		}
		out[uint32(keyU)] = h
	}
	return out, nil
}

func decodeHeaderValue(raw cbor.RawMessage) (Header, error) {
	var iface interface{}
	if err := cbor.Unmarshal(raw, &iface); err != nil {
		return Header{}, err
	}
	switch v := iface.(type) {
	case string:
		return Header{Kind: HeaderText, Text: v}, nil
	case uint64:
		return Header{Kind: HeaderInt, Int: int64(v)}, nil
	case int64:
		return Header{Kind: HeaderInt, Int: v}, nil
	case bool:
		return Header{Kind: HeaderBool, Bool: v}, nil
	case []byte:
		return Header{Kind: HeaderBytes, Bytes: v}, nil
	case float64:
		return Header{Kind: HeaderFloat, Float: v}, nil
	case float32:
		return Header{Kind: HeaderFloat, Float: float64(v)}, nil
	default:
		return Header{}, fmt.Errorf("unsupported header value type %T", iface)
	}
}

func decodeFrameTypeID(raw cbor.RawMessage) (uint32, error) {
	var iface interface{}
	if err := cbor.Unmarshal(raw, &iface); err != nil {
		return 0, err
	}
	u, ok := iface.(uint64)
	if !ok {
		return 0, fmt.Errorf("expected unsigned integer, got %T", iface)
	}
	if u > 0xFFFFFFFF {
		return 0, fmt.Errorf("message type id %d overflows uint32", u)
	}
	return uint32(u), nil
}
