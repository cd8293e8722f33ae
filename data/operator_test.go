package data

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOperator(t *testing.T) {
	cases := map[string]Operator{
		"=": OpEquals, "eq": OpEquals,
		"!=": OpNotEquals, "ne": OpNotEquals,
		">": OpGreaterThan, "gt": OpGreaterThan,
		">=": OpGreaterThanOrEquals, "gte": OpGreaterThanOrEquals,
		"<": OpLessThan, "lt": OpLessThan,
		"<=": OpLessThanOrEquals, "lte": OpLessThanOrEquals,
		"><": OpBetween, "bw": OpBetween,
		"->": OpLinksTo, "lnk2": OpLinksTo,
		"regex": OpRegex, "nregex": OpNotRegex,
	}
	for symbol, want := range cases {
		op, err := ParseOperator(symbol)
		require.NoError(t, err, symbol)
		require.Equal(t, want, op, symbol)
	}

	_, err := ParseOperator("~")
	require.Error(t, err)
}

func TestSatisfiesComparisons(t *testing.T) {
	require.True(t, OpEquals.Satisfies(NewInteger(3), NewLong(3)))
	require.False(t, OpEquals.Satisfies(NewInteger(3), NewInteger(4)))
	require.True(t, OpNotEquals.Satisfies(NewInteger(3), NewInteger(4)))

	require.True(t, OpGreaterThan.Satisfies(NewInteger(5), NewInteger(3)))
	require.False(t, OpGreaterThan.Satisfies(NewInteger(3), NewInteger(3)))
	require.True(t, OpGreaterThanOrEquals.Satisfies(NewInteger(3), NewInteger(3)))
	require.True(t, OpLessThan.Satisfies(NewInteger(2), NewInteger(3)))
	require.True(t, OpLessThanOrEquals.Satisfies(NewInteger(3), NewInteger(3)))

	// numbers never satisfy a text comparison
	require.False(t, OpGreaterThan.Satisfies(NewInteger(5), NewString("3")))
}

func TestSatisfiesBetween(t *testing.T) {
	// low-inclusive, high-exclusive
	require.True(t, OpBetween.Satisfies(NewInteger(10), NewInteger(10), NewInteger(20)))
	require.True(t, OpBetween.Satisfies(NewInteger(15), NewInteger(10), NewInteger(20)))
	require.False(t, OpBetween.Satisfies(NewInteger(20), NewInteger(10), NewInteger(20)))
	require.False(t, OpBetween.Satisfies(NewInteger(9), NewInteger(10), NewInteger(20)))
}

func TestSatisfiesLinksTo(t *testing.T) {
	require.True(t, OpLinksTo.Satisfies(NewLink(7), NewLink(7)))
	require.True(t, OpLinksTo.Satisfies(NewLink(7), NewLong(7)))
	require.False(t, OpLinksTo.Satisfies(NewLink(7), NewLink(8)))
	require.False(t, OpLinksTo.Satisfies(NewLong(7), NewLink(7)))
}

func TestSatisfiesRegex(t *testing.T) {
	// the pattern must match the entire string
	require.True(t, OpRegex.Satisfies(NewString("alice"), NewString("a.*")))
	require.False(t, OpRegex.Satisfies(NewString("alice"), NewString("lic")))
	require.True(t, OpNotRegex.Satisfies(NewString("bob"), NewString("a.*")))
	require.False(t, OpNotRegex.Satisfies(NewString("alice"), NewString("a.*")))

	// regex never applies to non-text values
	require.False(t, OpRegex.Satisfies(NewLong(1), NewString(".*")))
	require.False(t, OpNotRegex.Satisfies(NewLong(1), NewString(".*")))
}
