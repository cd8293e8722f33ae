package data

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// TokenKind names which components a Token was derived from.
type TokenKind uint8

const (
	TokenRecord TokenKind = iota + 1
	TokenKey
	TokenField
)

// Token names a concurrency scope: a whole record, a whole key, or one
// (key, record) field. Tokens are comparable so they can key lock tables
// and version-change subscriptions directly.
type Token struct {
	Kind   TokenKind
	Key    string
	Record int64
}

func RecordToken(record int64) Token {
	return Token{Kind: TokenRecord, Record: record}
}

func KeyToken(key string) Token {
	return Token{Kind: TokenKey, Key: key}
}

func FieldToken(key string, record int64) Token {
	return Token{Kind: TokenField, Key: key, Record: record}
}

// Encode serializes the token as kind(1) keyLen(4) key record(8).
func (t Token) Encode() []byte {
	buf := make([]byte, 0, 1+4+len(t.Key)+8)
	buf = append(buf, byte(t.Kind))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.Key)))
	buf = append(buf, t.Key...)
	return binary.BigEndian.AppendUint64(buf, uint64(t.Record))
}

// DecodeToken parses a buffer produced by Encode.
func DecodeToken(buf []byte) (Token, error) {
	if len(buf) < 1+4 {
		return Token{}, errors.New("token buffer is truncated")
	}
	kind := TokenKind(buf[0])
	if kind < TokenRecord || kind > TokenField {
		return Token{}, errors.Errorf("unknown token kind %d", buf[0])
	}
	keyLen := int(binary.BigEndian.Uint32(buf[1:5]))
	if len(buf) != 1+4+keyLen+8 {
		return Token{}, errors.New("token buffer is truncated")
	}
	key := string(buf[5 : 5+keyLen])
	record := int64(binary.BigEndian.Uint64(buf[5+keyLen:]))
	return Token{Kind: kind, Key: key, Record: record}, nil
}

func (t Token) String() string {
	switch t.Kind {
	case TokenRecord:
		return fmt.Sprintf("record:%d", t.Record)
	case TokenKey:
		return fmt.Sprintf("key:%s", t.Key)
	default:
		return fmt.Sprintf("field:%s@%d", t.Key, t.Record)
	}
}

// A RangeToken names the interval of values under one key that a range
// read or write touches. Two range scopes conflict when their intervals
// overlap; see Interval.
type RangeToken struct {
	Key    string
	Op     Operator
	Values []Value
}

func NewRangeToken(key string, op Operator, values ...Value) RangeToken {
	return RangeToken{Key: key, Op: op, Values: values}
}

// PointRangeToken covers the single value touched by a write.
func PointRangeToken(key string, value Value) RangeToken {
	return RangeToken{Key: key, Op: OpEquals, Values: []Value{value}}
}

// Id returns a stable identity string usable as a map key.
func (t RangeToken) Id() string {
	return string(t.Encode())
}

// Encode serializes the token as keyLen(4) key op(1) count(4)
// [valueLen(4) value]...
func (t RangeToken) Encode() []byte {
	buf := make([]byte, 0, 4+len(t.Key)+1+4)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.Key)))
	buf = append(buf, t.Key...)
	buf = append(buf, byte(t.Op))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.Values)))
	for _, v := range t.Values {
		encoded := v.Encode()
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(encoded)))
		buf = append(buf, encoded...)
	}
	return buf
}

// DecodeRangeToken parses a buffer produced by Encode.
func DecodeRangeToken(buf []byte) (RangeToken, error) {
	if len(buf) < 4 {
		return RangeToken{}, errors.New("range token buffer is truncated")
	}
	keyLen := int(binary.BigEndian.Uint32(buf[:4]))
	buf = buf[4:]
	if len(buf) < keyLen+1+4 {
		return RangeToken{}, errors.New("range token buffer is truncated")
	}
	key := string(buf[:keyLen])
	buf = buf[keyLen:]

	op := Operator(buf[0])
	count := int(binary.BigEndian.Uint32(buf[1:5]))
	buf = buf[5:]

	var values []Value
	if count > 0 {
		values = make([]Value, 0, count)
	}
	for i := 0; i < count; i++ {
		if len(buf) < 4 {
			return RangeToken{}, errors.New("range token buffer is truncated")
		}
		valueLen := int(binary.BigEndian.Uint32(buf[:4]))
		buf = buf[4:]
		if len(buf) < valueLen {
			return RangeToken{}, errors.New("range token buffer is truncated")
		}
		value, err := DecodeValue(buf[:valueLen])
		if err != nil {
			return RangeToken{}, err
		}
		values = append(values, value)
		buf = buf[valueLen:]
	}
	if len(buf) != 0 {
		return RangeToken{}, errors.New("range token buffer has trailing bytes")
	}
	return RangeToken{Key: key, Op: op, Values: values}, nil
}

// Interval describes the value range covered by a RangeToken. Unbounded
// ends are marked instead of using sentinel values.
type Interval struct {
	Low, High               Value
	LowIncl, HighIncl       bool
	LowOpen, HighOpen       bool // unbounded below / above
	CoversEverything, Empty bool
}

// Interval computes the covered value range from the token's operator.
// Operators without a natural interval (regex and friends) cover the
// whole key so they conservatively conflict with every write under it.
func (t RangeToken) Interval() Interval {
	if len(t.Values) == 0 {
		return Interval{CoversEverything: true}
	}
	v := t.Values[0]
	switch t.Op {
	case OpEquals, OpLinksTo:
		return Interval{Low: v, High: v, LowIncl: true, HighIncl: true}
	case OpGreaterThan:
		return Interval{Low: v, HighOpen: true}
	case OpGreaterThanOrEquals:
		return Interval{Low: v, LowIncl: true, HighOpen: true}
	case OpLessThan:
		return Interval{High: v, LowOpen: true}
	case OpLessThanOrEquals:
		return Interval{High: v, HighIncl: true, LowOpen: true}
	case OpBetween:
		if len(t.Values) < 2 {
			return Interval{Empty: true}
		}
		return Interval{Low: v, LowIncl: true, High: t.Values[1]}
	default:
		return Interval{CoversEverything: true}
	}
}

// Overlaps reports whether two intervals share at least one point.
func (i Interval) Overlaps(other Interval) bool {
	if i.Empty || other.Empty {
		return false
	}
	if i.CoversEverything || other.CoversEverything {
		return true
	}
	if !i.before(other) && !other.before(i) {
		return true
	}
	return false
}

// before reports whether i ends strictly before other begins.
func (i Interval) before(other Interval) bool {
	if i.HighOpen || other.LowOpen {
		return false
	}
	c := Compare(i.High, other.Low)
	if c < 0 {
		return true
	}
	if c == 0 {
		return !(i.HighIncl && other.LowIncl)
	}
	return false
}
