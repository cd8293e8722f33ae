package data

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Type identifies the runtime class of a Value. The numeric codes are
// part of the storage format and must not be reordered.
type Type uint8

const (
	TypeBoolean Type = iota + 1
	TypeDouble
	TypeFloat
	TypeInteger
	TypeLink
	TypeLong
	TypeString
	TypeTag
)

func (t Type) String() string {
	switch t {
	case TypeBoolean:
		return "BOOLEAN"
	case TypeDouble:
		return "DOUBLE"
	case TypeFloat:
		return "FLOAT"
	case TypeInteger:
		return "INTEGER"
	case TypeLink:
		return "LINK"
	case TypeLong:
		return "LONG"
	case TypeString:
		return "STRING"
	case TypeTag:
		return "TAG"
	}
	return "UNKNOWN"
}

// Value is an immutable tagged union over the storable primitive types.
// The payload is kept in its encoded form (big-endian for numerics, raw
// UTF-8 for text) so that two values are equal iff their (tag, bytes)
// pairs are equal, which makes Value usable as a map key.
type Value struct {
	tag  Type
	data string
}

func NewBoolean(b bool) Value {
	if b {
		return Value{tag: TypeBoolean, data: "\x01"}
	}
	return Value{tag: TypeBoolean, data: "\x00"}
}

func NewInteger(i int32) Value {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(i))
	return Value{tag: TypeInteger, data: string(buf[:])}
}

func NewLong(i int64) Value {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i))
	return Value{tag: TypeLong, data: string(buf[:])}
}

func NewFloat(f float32) Value {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], math.Float32bits(f))
	return Value{tag: TypeFloat, data: string(buf[:])}
}

func NewDouble(f float64) Value {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
	return Value{tag: TypeDouble, data: string(buf[:])}
}

func NewString(s string) Value {
	return Value{tag: TypeString, data: s}
}

// NewTag builds a string variant that is stored verbatim and excluded
// from full-text search.
func NewTag(s string) Value {
	return Value{tag: TypeTag, data: s}
}

// NewLink builds a pointer to another record.
func NewLink(record int64) Value {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(record))
	return Value{tag: TypeLink, data: string(buf[:])}
}

func (v Value) Tag() Type {
	return v.tag
}

// Zero reports whether v is the zero Value, which does not represent any
// storable datum.
func (v Value) Zero() bool {
	return v.tag == 0
}

func (v Value) Bool() bool {
	return v.tag == TypeBoolean && v.data == "\x01"
}

func (v Value) Int() int32 {
	return int32(binary.BigEndian.Uint32([]byte(v.data)))
}

func (v Value) Long() int64 {
	return int64(binary.BigEndian.Uint64([]byte(v.data)))
}

func (v Value) Float() float32 {
	return math.Float32frombits(binary.BigEndian.Uint32([]byte(v.data)))
}

func (v Value) Double() float64 {
	return math.Float64frombits(binary.BigEndian.Uint64([]byte(v.data)))
}

func (v Value) Str() string {
	return v.data
}

// Link returns the referenced record id.
func (v Value) Link() int64 {
	return int64(binary.BigEndian.Uint64([]byte(v.data)))
}

// IsText reports whether the value holds UTF-8 text (STRING or TAG).
func (v Value) IsText() bool {
	return v.tag == TypeString || v.tag == TypeTag
}

// IsNumeric reports whether the value participates in cross-type numeric
// comparison.
func (v Value) IsNumeric() bool {
	switch v.tag {
	case TypeInteger, TypeLong, TypeFloat, TypeDouble:
		return true
	}
	return false
}

func (v Value) number() float64 {
	switch v.tag {
	case TypeInteger:
		return float64(v.Int())
	case TypeLong:
		return float64(v.Long())
	case TypeFloat:
		return float64(v.Float())
	case TypeDouble:
		return v.Double()
	}
	return 0
}

// Encode appends the tag byte followed by the payload.
func (v Value) Encode() []byte {
	buf := make([]byte, 0, 1+len(v.data))
	buf = append(buf, byte(v.tag))
	return append(buf, v.data...)
}

// DecodeValue parses a buffer produced by Encode. The payload length for
// text types is the remainder of the buffer; framing is the caller's
// responsibility.
func DecodeValue(buf []byte) (Value, error) {
	if len(buf) < 1 {
		return Value{}, errors.New("value buffer is empty")
	}
	tag := Type(buf[0])
	payload := buf[1:]

	var want int
	switch tag {
	case TypeBoolean:
		want = 1
	case TypeInteger, TypeFloat:
		want = 4
	case TypeLong, TypeDouble, TypeLink:
		want = 8
	case TypeString, TypeTag:
		want = len(payload)
	default:
		return Value{}, errors.Errorf("unknown value tag %d", buf[0])
	}
	if len(payload) != want {
		return Value{}, errors.Errorf("value payload for %s has %d bytes, want %d", tag, len(payload), want)
	}
	if tag == TypeBoolean && payload[0] > 1 {
		return Value{}, errors.Errorf("boolean payload must be 0 or 1, got %d", payload[0])
	}
	return Value{tag: tag, data: string(payload)}, nil
}

// comparison classes: values of different classes order by class id so
// that heterogeneous fields still sort deterministically
const (
	classBool = iota + 1
	classNumber
	classText
	classLink
)

func (v Value) class() int {
	switch {
	case v.tag == TypeBoolean:
		return classBool
	case v.IsNumeric():
		return classNumber
	case v.IsText():
		return classText
	default:
		return classLink
	}
}

// Compare orders two values. Values of different classes order by class;
// numeric types compare by magnitude across type boundaries; STRING and
// TAG compare textually; LINK compares by record id; BOOLEAN compares by
// raw payload.
func Compare(v1, v2 Value) int {
	if c := v1.class() - v2.class(); c != 0 {
		return c
	}
	switch v1.class() {
	case classNumber:
		n1, n2 := v1.number(), v2.number()
		if n1 < n2 {
			return -1
		} else if n1 > n2 {
			return 1
		}
		return 0
	case classText:
		if v1.data < v2.data {
			return -1
		} else if v1.data > v2.data {
			return 1
		}
		return 0
	case classLink:
		l1, l2 := v1.Link(), v2.Link()
		if l1 < l2 {
			return -1
		} else if l1 > l2 {
			return 1
		}
		return 0
	default:
		if v1.data < v2.data {
			return -1
		} else if v1.data > v2.data {
			return 1
		}
		return 0
	}
}

// SearchMatch reports whether the value participates in search results
// for query. Only STRING values are searchable; TAG opts out by
// definition.
func SearchMatch(v Value, query string) bool {
	if v.tag != TypeString {
		return false
	}
	return strings.Contains(strings.ToLower(v.data), strings.ToLower(query))
}

func (v Value) String() string {
	switch v.tag {
	case TypeBoolean:
		return strconv.FormatBool(v.Bool())
	case TypeInteger:
		return strconv.FormatInt(int64(v.Int()), 10)
	case TypeLong:
		return strconv.FormatInt(v.Long(), 10)
	case TypeFloat:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32)
	case TypeDouble:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64)
	case TypeString, TypeTag:
		return v.data
	case TypeLink:
		return fmt.Sprintf("@%d", v.Link())
	}
	return ""
}
