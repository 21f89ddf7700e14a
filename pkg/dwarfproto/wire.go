package dwarfproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshaler is implemented by messages that can be sent to the device.
type Marshaler interface {
	MarshalWire() []byte
}

// Unmarshaler is implemented by messages that can be decoded from a
// packet payload. Unknown fields are skipped so newer firmware payloads
// still decode.
type Unmarshaler interface {
	UnmarshalWire(data []byte) error
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt32Field(b []byte, num protowire.Number, v int32) []byte {
	// Negative int32 values are sign-extended to 10 bytes on the wire.
	return appendVarintField(b, num, uint64(int64(v)))
}

func appendUint32Field(b []byte, num protowire.Number, v uint32) []byte {
	return appendVarintField(b, num, uint64(v))
}

func appendUint64Field(b []byte, num protowire.Number, v uint64) []byte {
	return appendVarintField(b, num, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendDoubleField(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessageField(b []byte, num protowire.Number, m Marshaler) []byte {
	return appendBytesField(b, num, m.MarshalWire())
}

// fieldWalker iterates the fields of an encoded message, handing each
// known field to the callback and skipping the rest.
func walkFields(data []byte, visit func(num protowire.Number, typ protowire.Type, field []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("invalid field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		consumed, err := visit(num, typ, data)
		if err != nil {
			return err
		}
		if consumed < 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, data)
			if consumed < 0 {
				return fmt.Errorf("invalid field %d: %w", num, protowire.ParseError(consumed))
			}
		}
		data = data[consumed:]
	}
	return nil
}

func consumeVarint(data []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeDouble(data []byte) (float64, int, error) {
	v, n := protowire.ConsumeFixed64(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumeBytes(data []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
