package concurrent

import (
	"time"

	"github.com/MattiasZurkovic/concourse/data"
	"github.com/pkg/errors"
)

// LockMode distinguishes the four lock flavors a transaction can hold.
// The codes are part of the transaction backup format.
type LockMode uint8

const (
	ModeRead LockMode = iota + 1
	ModeWrite
	ModeRangeRead
	ModeRangeWrite
)

const (
	lockKindToken uint8 = iota + 1
	lockKindRange
)

// A LockDescription captures enough about a held lock to recreate it on
// recovery: the mode, the token kind, and the token itself.
type LockDescription struct {
	Mode     LockMode
	Token    data.Token
	Range    data.RangeToken
	hasRange bool
}

func DescribeLock(mode LockMode, tok data.Token) LockDescription {
	return LockDescription{Mode: mode, Token: tok}
}

func DescribeRangeLock(mode LockMode, tok data.RangeToken) LockDescription {
	return LockDescription{Mode: mode, Range: tok, hasRange: true}
}

// IsRange reports whether the description names an interval scope.
func (d LockDescription) IsRange() bool {
	return d.hasRange
}

// Encode serializes the description as mode(1) kind(1) token bytes.
func (d LockDescription) Encode() []byte {
	buf := []byte{byte(d.Mode)}
	if d.hasRange {
		buf = append(buf, lockKindRange)
		return append(buf, d.Range.Encode()...)
	}
	buf = append(buf, lockKindToken)
	return append(buf, d.Token.Encode()...)
}

// DecodeLockDescription parses a buffer produced by Encode.
func DecodeLockDescription(buf []byte) (LockDescription, error) {
	if len(buf) < 2 {
		return LockDescription{}, errors.New("lock description buffer is truncated")
	}
	mode := LockMode(buf[0])
	if mode < ModeRead || mode > ModeRangeWrite {
		return LockDescription{}, errors.Errorf("unknown lock mode %d", buf[0])
	}
	switch buf[1] {
	case lockKindToken:
		tok, err := data.DecodeToken(buf[2:])
		if err != nil {
			return LockDescription{}, err
		}
		return LockDescription{Mode: mode, Token: tok}, nil
	case lockKindRange:
		tok, err := data.DecodeRangeToken(buf[2:])
		if err != nil {
			return LockDescription{}, err
		}
		return LockDescription{Mode: mode, Range: tok, hasRange: true}, nil
	}
	return LockDescription{}, errors.Errorf("unknown lock kind %d", buf[1])
}

// Acquire takes the described lock from the appropriate service.
func (d LockDescription) Acquire(locks *LockService, rangeLocks *RangeLockService, timeout time.Duration) (Unlocker, error) {
	switch d.Mode {
	case ModeRead:
		return locks.ReadLock(d.Token, timeout)
	case ModeWrite:
		return locks.WriteLock(d.Token, timeout)
	case ModeRangeRead:
		return rangeLocks.ReadLock(d.Range, timeout)
	case ModeRangeWrite:
		return rangeLocks.WriteLock(d.Range, timeout)
	}
	return nil, errors.Errorf("unknown lock mode %d", d.Mode)
}

// SortKey orders lock acquisitions deterministically so that concurrent
// commits cannot deadlock.
func (d LockDescription) SortKey() string {
	return string(d.Encode())
}
