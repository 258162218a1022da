package ep

import "fmt"

// FrameListener observes raw frame traffic on a MessageTransport, primarily
// for metrics/logging.
type FrameListener interface {
	OnFrameSent(f Frame)
	OnFrameReceived(f Frame)
}

// noopFrameListener is installed when no listener is configured.
type noopFrameListener struct{}

func (noopFrameListener) OnFrameSent(Frame)     {}
func (noopFrameListener) OnFrameReceived(Frame) {}

// MessageTransport layers message (de)serialization over a FrameTransport
// via the message registry.
type MessageTransport struct {
	frames   FrameTransport
	parse    MessageParseOptions
	listener FrameListener
}

// NewMessageTransport wraps ft. parse configures lenient/strict decoding.
func NewMessageTransport(ft FrameTransport, parse MessageParseOptions) *MessageTransport {
	return &MessageTransport{frames: ft, parse: parse, listener: noopFrameListener{}}
}

// SetListener installs the frame-traffic observer. Pass nil to remove it.
func (mt *MessageTransport) SetListener(l FrameListener) {
	if l == nil {
		l = noopFrameListener{}
	}
	mt.listener = l
}

// SendMessage encodes m into a frame and writes it.
func (mt *MessageTransport) SendMessage(m Message) error {
	payload, err := EncodeMessage(m)
	if err != nil {
		return fmt.Errorf("ep: send message: %w", err)
	}
	f := Frame{MessageTypeID: m.TypeID(), Payload: payload}
	if err := mt.frames.Send(f); err != nil {
		return err
	}
	mt.listener.OnFrameSent(f)
	return nil
}

// MessageSequence is a one-shot iterator over decoded messages.
type MessageSequence struct {
	frames   FrameSequence
	parse    MessageParseOptions
	listener FrameListener
}

// Messages returns a lazy sequence of parsed messages, each derived from one
// decoded frame.
func (mt *MessageTransport) Messages() *MessageSequence {
	return &MessageSequence{frames: mt.frames.Frames(), parse: mt.parse, listener: mt.listener}
}

// Next blocks for the next message. ok is false on clean EOF.
func (s *MessageSequence) Next() (result *ParseResult[Message], ok bool) {
	frameResult, ok := s.frames.Next()
	if !ok {
		return nil, false
	}
	if !frameResult.OK {
		r := failure[Message](frameResult.Diagnostics)
		return &r, true
	}
	f := frameResult.Value
	s.listener.OnFrameReceived(f)
	msgResult := DecodeMessage(f.MessageTypeID, f.Payload, s.parse)
	if len(frameResult.Diagnostics) > 0 {
		msgResult.Diagnostics = append(append([]Diagnostic{}, frameResult.Diagnostics...), msgResult.Diagnostics...)
	}
	return msgResult, true
}

// Close closes the underlying transport. Idempotent.
func (mt *MessageTransport) Close() error {
	return mt.frames.Close()
}
