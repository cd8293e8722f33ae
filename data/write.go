package data

import (
	"encoding/binary"
	"fmt"

	"github.com/MattiasZurkovic/concourse/internal/clock"
	"github.com/pkg/errors"
)

// Action describes the intent of a Write. The codes are part of the
// transaction backup format.
type Action uint8

const (
	ActionAdd Action = iota + 1
	ActionRemove
	ActionCompare
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "ADD"
	case ActionRemove:
		return "REMOVE"
	case ActionCompare:
		return "COMPARE"
	}
	return "INVALID"
}

// NoVersion marks writes that are read probes and never enter a buffer.
const NoVersion uint64 = 0

// A Write is an immutable intent record describing a membership toggle of
// one value in one field. Storable writes carry a version assigned from
// the monotonic clock at construction; COMPARE probes carry NoVersion.
type Write struct {
	action  Action
	key     string
	value   Value
	record  int64
	version uint64
}

func NewAdd(key string, value Value, record int64) *Write {
	return &Write{action: ActionAdd, key: key, value: value, record: record, version: clock.Now()}
}

func NewRemove(key string, value Value, record int64) *Write {
	return &Write{action: ActionRemove, key: key, value: value, record: record, version: clock.Now()}
}

// RecoveredWrite rebuilds a write whose version was assigned in a
// previous process, e.g. when replaying a revision log or a transaction
// backup.
func RecoveredWrite(action Action, key string, value Value, record int64, version uint64) *Write {
	return &Write{action: action, key: key, value: value, record: record, version: version}
}

// NewCompare builds a non-storable probe used to test membership of
// (key, value, record) against a buffer.
func NewCompare(key string, value Value, record int64) *Write {
	return &Write{action: ActionCompare, key: key, value: value, record: record, version: NoVersion}
}

func (w *Write) Action() Action  { return w.action }
func (w *Write) Key() string     { return w.key }
func (w *Write) Value() Value    { return w.value }
func (w *Write) Record() int64   { return w.record }
func (w *Write) Version() uint64 { return w.version }

// Storable reports whether the write may be inserted into a buffer.
func (w *Write) Storable() bool {
	return w.action != ActionCompare
}

// Matches reports whether two writes describe the same (key, value,
// record) triple, regardless of action and version.
func (w *Write) Matches(other *Write) bool {
	return w.key == other.key && w.value == other.value && w.record == other.record
}

// Encode serializes the write as:
//
//	action(1) version(8) keyLen(4) key valueTag(1) valueLen(4) value record(8)
func (w *Write) Encode() []byte {
	value := w.value.Encode()
	buf := make([]byte, 0, 1+8+4+len(w.key)+4+len(value)+8)
	buf = append(buf, byte(w.action))
	buf = binary.BigEndian.AppendUint64(buf, w.version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(w.key)))
	buf = append(buf, w.key...)
	buf = append(buf, value[0])
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)-1))
	buf = append(buf, value[1:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(w.record))
	return buf
}

// DecodeWrite parses a buffer produced by Encode.
func DecodeWrite(buf []byte) (*Write, error) {
	if len(buf) < 1+8+4 {
		return nil, errors.New("write buffer is truncated")
	}
	action := Action(buf[0])
	if action < ActionAdd || action > ActionCompare {
		return nil, errors.Errorf("unknown write action %d", buf[0])
	}
	version := binary.BigEndian.Uint64(buf[1:9])
	keyLen := int(binary.BigEndian.Uint32(buf[9:13]))
	buf = buf[13:]
	if len(buf) < keyLen+1+4 {
		return nil, errors.New("write buffer is truncated")
	}
	key := string(buf[:keyLen])
	buf = buf[keyLen:]

	tag := buf[0]
	valueLen := int(binary.BigEndian.Uint32(buf[1:5]))
	buf = buf[5:]
	if len(buf) != valueLen+8 {
		return nil, errors.New("write buffer is truncated")
	}
	value, err := DecodeValue(append([]byte{tag}, buf[:valueLen]...))
	if err != nil {
		return nil, err
	}
	record := int64(binary.BigEndian.Uint64(buf[valueLen:]))

	return &Write{action: action, key: key, value: value, record: record, version: version}, nil
}

func (w *Write) String() string {
	preposition := "TO"
	if w.action == ActionRemove {
		preposition = "FROM"
	}
	return fmt.Sprintf("%s '%s' AS '%s' %s %d", w.action, w.key, w.value, preposition, w.record)
}
