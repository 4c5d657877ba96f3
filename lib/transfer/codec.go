package transfer

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Kind is the type tag of a Value
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBytes
	KindBool
	KindTime
)

// Value is one cell of a row. The explicit kind keeps values lossless across
// codecs that have no native notion of integers or binary data.
type Value struct {
	Kind  Kind      `json:"k"`
	Int   int64     `json:"i,omitempty"`
	Float float64   `json:"f,omitempty"`
	Text  string    `json:"s,omitempty"`
	Bytes []byte    `json:"b,omitempty"`
	Time  time.Time `json:"t,omitempty"`
}

// NewValue converts a value scanned by database/sql into a Value
func NewValue(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Value{Kind: KindNull}, nil
	case int64:
		return Value{Kind: KindInt, Int: x}, nil
	case int:
		return Value{Kind: KindInt, Int: int64(x)}, nil
	case int32:
		return Value{Kind: KindInt, Int: int64(x)}, nil
	case float64:
		return Value{Kind: KindFloat, Float: x}, nil
	case float32:
		return Value{Kind: KindFloat, Float: float64(x)}, nil
	case string:
		return Value{Kind: KindText, Text: x}, nil
	case []byte:
		b := make([]byte, len(x))
		copy(b, x)
		return Value{Kind: KindBytes, Bytes: b}, nil
	case bool:
		return Value{Kind: KindBool, Int: boolToInt(x)}, nil
	case time.Time:
		return Value{Kind: KindTime, Time: x}, nil
	default:
		return Value{}, fmt.Errorf("unsupported column type %T", v)
	}
}

// Any converts the value back into a database/sql argument
func (v Value) Any() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindText:
		return v.Text
	case KindBytes:
		if v.Bytes == nil {
			return []byte{}
		}
		return v.Bytes
	case KindBool:
		return v.Int != 0
	case KindTime:
		return v.Time
	default:
		return nil
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Record is the unit of a dump stream. The first record of a stream is the
// header and carries the table and column names, every following record
// carries the values of one row.
type Record struct {
	Table   string   `json:"table,omitempty"`
	Columns []string `json:"columns,omitempty"`
	Values  []Value  `json:"values,omitempty"`
}

// --------------------------------------------------------------------------
// Codec Interface
// --------------------------------------------------------------------------

// IRowCodec turns a stream of records into bytes and back
type IRowCodec interface {
	// Name returns the name the codec is selected by
	Name() string
	// NewEncoder returns an encoder writing to w
	NewEncoder(w io.Writer) RecordEncoder
	// NewDecoder returns a decoder reading from r
	NewDecoder(r io.Reader) RecordDecoder
}

type RecordEncoder interface {
	Encode(rec *Record) error
}

// RecordDecoder returns io.EOF once the stream is exhausted
type RecordDecoder interface {
	Decode(rec *Record) error
}

// NewCodec returns the codec with the given name (json or gob)
func NewCodec(name string) (IRowCodec, error) {
	switch name {
	case "json":
		return NewJSONCodec(), nil
	case "gob":
		return NewGOBCodec(), nil
	default:
		return nil, fmt.Errorf("invalid codec %s", name)
	}
}

// --------------------------------------------------------------------------
// JSON
// --------------------------------------------------------------------------

// NewJSONCodec creates a codec writing one JSON document per line
func NewJSONCodec() IRowCodec {
	return &jsonCodecImpl{}
}

type jsonCodecImpl struct{}

func (c jsonCodecImpl) Name() string { return "json" }

func (c jsonCodecImpl) NewEncoder(w io.Writer) RecordEncoder {
	return encoderFunc(json.NewEncoder(w).Encode)
}

func (c jsonCodecImpl) NewDecoder(r io.Reader) RecordDecoder {
	return decoderFunc(json.NewDecoder(r).Decode)
}

// --------------------------------------------------------------------------
// GOB
// --------------------------------------------------------------------------

// NewGOBCodec creates a codec using Go's binary gob format
func NewGOBCodec() IRowCodec {
	return &gobCodecImpl{}
}

type gobCodecImpl struct{}

func (c gobCodecImpl) Name() string { return "gob" }

func (c gobCodecImpl) NewEncoder(w io.Writer) RecordEncoder {
	return encoderFunc(gob.NewEncoder(w).Encode)
}

func (c gobCodecImpl) NewDecoder(r io.Reader) RecordDecoder {
	return decoderFunc(gob.NewDecoder(r).Decode)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

type encoderFunc func(v any) error

func (f encoderFunc) Encode(rec *Record) error { return f(rec) }

type decoderFunc func(v any) error

func (f decoderFunc) Decode(rec *Record) error {
	*rec = Record{}
	return f(rec)
}
