package data

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteConstructors(t *testing.T) {
	add := NewAdd("name", NewString("alice"), 1)
	require.Equal(t, ActionAdd, add.Action())
	require.True(t, add.Storable())
	require.NotZero(t, add.Version())

	remove := NewRemove("name", NewString("alice"), 1)
	require.Equal(t, ActionRemove, remove.Action())
	require.Greater(t, remove.Version(), add.Version())

	probe := NewCompare("name", NewString("alice"), 1)
	require.False(t, probe.Storable())
	require.Equal(t, NoVersion, probe.Version())
}

func TestWriteMatches(t *testing.T) {
	add := NewAdd("name", NewString("alice"), 1)
	remove := NewRemove("name", NewString("alice"), 1)
	require.True(t, add.Matches(remove))
	require.True(t, add.Matches(NewCompare("name", NewString("alice"), 1)))
	require.False(t, add.Matches(NewAdd("name", NewString("bob"), 1)))
	require.False(t, add.Matches(NewAdd("name", NewString("alice"), 2)))
	require.False(t, add.Matches(NewAdd("age", NewString("alice"), 1)))
}

func TestWriteEncodingLayout(t *testing.T) {
	w := RecoveredWrite(ActionAdd, "ab", NewInteger(1), 3, 77)
	buf := w.Encode()

	require.Equal(t, byte(1), buf[0]) // ADD = 1
	require.Equal(t, uint64(77), binary.BigEndian.Uint64(buf[1:9]))
	require.Equal(t, uint32(2), binary.BigEndian.Uint32(buf[9:13]))
	require.Equal(t, "ab", string(buf[13:15]))
	require.Equal(t, byte(TypeInteger), buf[15])
	require.Equal(t, uint32(4), binary.BigEndian.Uint32(buf[16:20]))
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(buf[20:24]))
	require.Equal(t, uint64(3), binary.BigEndian.Uint64(buf[24:32]))
	require.Len(t, buf, 32)
}

func TestWriteRoundTrip(t *testing.T) {
	writes := []*Write{
		NewAdd("name", NewString("alice"), 1),
		NewRemove("age", NewLong(30), 2),
		NewCompare("city", NewTag("nyc"), 3),
		NewAdd("score", NewDouble(99.5), -4),
		NewAdd("friend", NewLink(17), 5),
	}
	for _, w := range writes {
		decoded, err := DecodeWrite(w.Encode())
		require.NoError(t, err)
		require.Equal(t, w, decoded)
	}
}

func TestDecodeWriteErrors(t *testing.T) {
	_, err := DecodeWrite(nil)
	require.Error(t, err)

	_, err = DecodeWrite([]byte{9, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)

	valid := NewAdd("name", NewString("alice"), 1).Encode()
	_, err = DecodeWrite(valid[:len(valid)-1])
	require.Error(t, err)
}

func TestWriteRevisionString(t *testing.T) {
	add := NewAdd("foo", NewString("bar bang"), 1)
	require.Equal(t, "ADD 'foo' AS 'bar bang' TO 1", add.String())

	remove := NewRemove("foo", NewString("bar bang"), 1)
	require.Equal(t, "REMOVE 'foo' AS 'bar bang' FROM 1", remove.String())
}
