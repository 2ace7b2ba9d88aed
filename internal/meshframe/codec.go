package meshframe

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// Codec encodes and parses wire frames, enforcing a configurable
// per-frame byte budget (the mesh's effective text payload slot).
type Codec struct {
	budget int
}

// NewCodec creates a Codec that rejects encoded frames larger than
// budget bytes. A budget of 0 uses DefaultFrameBudget.
func NewCodec(budget int) *Codec {
	if budget <= 0 {
		budget = DefaultFrameBudget
	}
	return &Codec{budget: budget}
}

// DefaultFrameBudget is the effective text payload slot assumed when the
// caller doesn't override it; generous enough to carry a base64'd
// DefaultChunkPayload-byte DATA frame plus field overhead.
const DefaultFrameBudget = 228

func joinFields(kind Kind, fields ...string) ([]byte, error) {
	for _, f := range fields {
		if strings.IndexByte(f, FieldSeparator) >= 0 {
			return nil, ErrFieldSeparator
		}
	}
	var b strings.Builder
	b.WriteByte(byte(kind))
	for _, f := range fields {
		b.WriteByte(FieldSeparator)
		b.WriteString(f)
	}
	return []byte(b.String()), nil
}

func (c *Codec) finish(raw []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if len(raw) > c.budget {
		return nil, ErrOversizeFrame
	}
	return raw, nil
}

// EncodePing encodes a PING frame.
func (c *Codec) EncodePing(p Ping) ([]byte, error) {
	return c.finish(joinFields(KindPing, p.Nonce))
}

// EncodePong encodes a PONG frame.
func (c *Codec) EncodePong(p Pong) ([]byte, error) {
	return c.finish(joinFields(KindPong, p.Nonce, p.Name))
}

// EncodeBegin encodes a BEGIN frame. filename is sanitized first by the
// caller (see SanitizeFilename); this function rejects separator bytes
// but does not itself sanitize.
func (c *Codec) EncodeBegin(b Begin) ([]byte, error) {
	return c.finish(joinFields(KindBegin, b.TransferID, strconv.Itoa(int(b.Total)), b.Filename))
}

// EncodeData encodes a DATA frame, base64-encoding the payload.
func (c *Codec) EncodeData(d Data) ([]byte, error) {
	if len(d.Payload) > MaxChunkPayload {
		return nil, ErrOversizeFrame
	}
	enc := base64.StdEncoding.EncodeToString(d.Payload)
	return c.finish(joinFields(KindData, d.TransferID, strconv.Itoa(int(d.Index)), enc))
}

// EncodeAck encodes an ACK frame.
func (c *Codec) EncodeAck(a Ack) ([]byte, error) {
	return c.finish(joinFields(KindAck, a.TransferID, strconv.Itoa(int(a.Index))))
}

// EncodeNak encodes a NAK frame.
func (c *Codec) EncodeNak(n Nak) ([]byte, error) {
	return c.finish(joinFields(KindNak, n.TransferID, strconv.Itoa(int(n.Index))))
}

// EncodeEnd encodes an END frame.
func (c *Codec) EncodeEnd(e End) ([]byte, error) {
	return c.finish(joinFields(KindEnd, e.TransferID))
}

// EncodeFin encodes a FIN frame.
func (c *Codec) EncodeFin(f Fin) ([]byte, error) {
	return c.finish(joinFields(KindFin, f.TransferID, f.Status))
}

// EncodeAbort encodes an ABT frame.
func (c *Codec) EncodeAbort(a Abort) ([]byte, error) {
	return c.finish(joinFields(KindAbort, a.TransferID, a.Reason))
}

// Parse decodes a raw wire frame. Unparseable frames return
// ErrMalformedFrame; callers must log and discard, never treat as fatal.
func (c *Codec) Parse(raw []byte) (*Frame, error) {
	if len(raw) == 0 {
		return nil, ErrMalformedFrame
	}
	kind := Kind(raw[0])
	rest := string(raw[1:])
	var fields []string
	if len(rest) > 0 {
		if rest[0] != FieldSeparator {
			return nil, ErrMalformedFrame
		}
		fields = strings.Split(rest[1:], string(FieldSeparator))
	}

	switch kind {
	case KindPing:
		if len(fields) != 1 {
			return nil, ErrMalformedFrame
		}
		return &Frame{Kind: kind, Ping: &Ping{Nonce: fields[0]}}, nil

	case KindPong:
		if len(fields) != 2 {
			return nil, ErrMalformedFrame
		}
		return &Frame{Kind: kind, Pong: &Pong{Nonce: fields[0], Name: fields[1]}}, nil

	case KindBegin:
		if len(fields) != 3 {
			return nil, ErrMalformedFrame
		}
		total, err := parseUint16(fields[1])
		if err != nil {
			return nil, ErrMalformedFrame
		}
		return &Frame{Kind: kind, Begin: &Begin{
			TransferID: fields[0],
			Total:      total,
			Filename:   fields[2],
		}}, nil

	case KindData:
		if len(fields) != 3 {
			return nil, ErrMalformedFrame
		}
		idx, err := parseUint16(fields[1])
		if err != nil {
			return nil, ErrMalformedFrame
		}
		payload, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			return nil, ErrMalformedFrame
		}
		return &Frame{Kind: kind, Data: &Data{
			TransferID: fields[0],
			Index:      idx,
			Payload:    payload,
		}}, nil

	case KindAck:
		if len(fields) != 2 {
			return nil, ErrMalformedFrame
		}
		idx, err := parseUint16(fields[1])
		if err != nil {
			return nil, ErrMalformedFrame
		}
		return &Frame{Kind: kind, Ack: &Ack{TransferID: fields[0], Index: idx}}, nil

	case KindNak:
		if len(fields) != 2 {
			return nil, ErrMalformedFrame
		}
		idx, err := parseUint16(fields[1])
		if err != nil {
			return nil, ErrMalformedFrame
		}
		return &Frame{Kind: kind, Nak: &Nak{TransferID: fields[0], Index: idx}}, nil

	case KindEnd:
		if len(fields) != 1 {
			return nil, ErrMalformedFrame
		}
		return &Frame{Kind: kind, End: &End{TransferID: fields[0]}}, nil

	case KindFin:
		if len(fields) != 2 {
			return nil, ErrMalformedFrame
		}
		if fields[1] != StatusOK && fields[1] != StatusErr {
			return nil, ErrMalformedFrame
		}
		return &Frame{Kind: kind, Fin: &Fin{TransferID: fields[0], Status: fields[1]}}, nil

	case KindAbort:
		if len(fields) != 2 {
			return nil, ErrMalformedFrame
		}
		return &Frame{Kind: kind, Abort: &Abort{TransferID: fields[0], Reason: fields[1]}}, nil

	default:
		return nil, ErrUnknownKind
	}
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
