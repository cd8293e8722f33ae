package data

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	for _, tok := range []Token{
		RecordToken(42),
		KeyToken("name"),
		FieldToken("name", 42),
		KeyToken(""),
	} {
		decoded, err := DecodeToken(tok.Encode())
		require.NoError(t, err)
		require.Equal(t, tok, decoded)
	}
}

func TestTokenIdentity(t *testing.T) {
	require.Equal(t, FieldToken("a", 1), FieldToken("a", 1))
	require.NotEqual(t, FieldToken("a", 1), FieldToken("a", 2))
	require.NotEqual(t, KeyToken("a"), RecordToken(0))
}

func TestRangeTokenRoundTrip(t *testing.T) {
	for _, tok := range []RangeToken{
		PointRangeToken("age", NewInteger(30)),
		NewRangeToken("age", OpBetween, NewInteger(10), NewInteger(20)),
		NewRangeToken("name", OpRegex, NewString("a.*")),
		NewRangeToken("age", OpGreaterThan),
	} {
		decoded, err := DecodeRangeToken(tok.Encode())
		require.NoError(t, err)
		require.Equal(t, tok.Key, decoded.Key)
		require.Equal(t, tok.Op, decoded.Op)
		require.Equal(t, tok.Values, decoded.Values)
		require.Equal(t, tok.Id(), decoded.Id())
	}
}

func TestIntervalOverlaps(t *testing.T) {
	gt3 := NewRangeToken("age", OpGreaterThan, NewInteger(3)).Interval()
	lt3 := NewRangeToken("age", OpLessThan, NewInteger(3)).Interval()
	eq3 := NewRangeToken("age", OpEquals, NewInteger(3)).Interval()
	eq5 := NewRangeToken("age", OpEquals, NewInteger(5)).Interval()
	bw := NewRangeToken("age", OpBetween, NewInteger(1), NewInteger(5)).Interval()
	everything := NewRangeToken("age", OpNotEquals, NewInteger(3)).Interval()

	require.True(t, gt3.Overlaps(eq5))
	require.False(t, gt3.Overlaps(eq3))
	require.False(t, gt3.Overlaps(lt3))
	require.False(t, lt3.Overlaps(eq3))
	require.True(t, lt3.Overlaps(bw))
	require.True(t, bw.Overlaps(eq3))
	// BETWEEN is high-exclusive
	require.False(t, bw.Overlaps(eq5))
	require.True(t, everything.Overlaps(eq3))
	require.True(t, gt3.Overlaps(gt3))
}
