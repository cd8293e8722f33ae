package buffer

import (
	"testing"

	"github.com/MattiasZurkovic/concourse/data"
	"github.com/MattiasZurkovic/concourse/internal/clock"
	"github.com/MattiasZurkovic/concourse/util"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func insert(t *testing.T, limbo Limbo, w *data.Write) *data.Write {
	t.Helper()
	ok, err := limbo.Insert(w, false)
	require.NoError(t, err)
	require.True(t, ok)
	return w
}

func TestQueueInsertOrder(t *testing.T) {
	q := NewQueue()
	first := insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	second := insert(t, q, data.NewAdd("name", data.NewString("bob"), 1))

	var seen []*data.Write
	require.NoError(t, q.Iterate(func(w *data.Write) error {
		seen = append(seen, w)
		return nil
	}))
	require.Equal(t, []*data.Write{first, second}, seen)
	require.Less(t, first.Version(), second.Version())
}

func TestQueueRejectsCompareProbe(t *testing.T) {
	q := NewQueue()
	ok, err := q.Insert(data.NewCompare("name", data.NewString("alice"), 1), false)
	require.ErrorIs(t, err, ErrNotStorable)
	require.False(t, ok)
	require.True(t, q.Empty())
}

func TestQueueVerifyXORSemantics(t *testing.T) {
	q := NewQueue()
	probe := data.NewCompare("name", data.NewString("alice"), 1)

	// no matching writes: parity 0, result equals baseline
	require.False(t, q.Verify(probe, clock.Now(), false))
	require.True(t, q.Verify(probe, clock.Now(), true))

	insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	require.True(t, q.Verify(probe, clock.Now(), false))
	require.False(t, q.Verify(probe, clock.Now(), true))

	insert(t, q, data.NewRemove("name", data.NewString("alice"), 1))
	require.False(t, q.Verify(probe, clock.Now(), false))
	require.True(t, q.Verify(probe, clock.Now(), true))
}

func TestQueueVerifyHonorsTimestamp(t *testing.T) {
	q := NewQueue()
	add := insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	before := add.Version() - 1
	insert(t, q, data.NewRemove("name", data.NewString("alice"), 1))

	probe := data.NewCompare("name", data.NewString("alice"), 1)
	require.False(t, q.Verify(probe, before, false))
	require.True(t, q.Verify(probe, add.Version(), false))
	require.False(t, q.Verify(probe, clock.Now(), false))
}

func TestQueueSelectFieldFold(t *testing.T) {
	q := NewQueue()
	insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	insert(t, q, data.NewAdd("name", data.NewString("bob"), 1))
	insert(t, q, data.NewRemove("name", data.NewString("alice"), 1))
	insert(t, q, data.NewAdd("name", data.NewString("carol"), 2))

	values := q.SelectField("name", 1, clock.Now(), nil)
	require.Equal(t, util.NewSet(data.NewString("bob")), values)

	// folding into a destination context applies the writes over the baseline
	context := util.NewSet(data.NewString("alice"), data.NewString("dave"))
	values = q.SelectField("name", 1, clock.Now(), context)
	require.Equal(t, util.NewSet(data.NewString("bob"), data.NewString("dave")), values)
}

func TestQueueBrowseKeyPrunesEmptySets(t *testing.T) {
	q := NewQueue()
	insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	insert(t, q, data.NewRemove("name", data.NewString("alice"), 1))
	insert(t, q, data.NewAdd("name", data.NewString("bob"), 2))

	result := q.BrowseKey("name", clock.Now(), nil)
	require.NotContains(t, result, data.NewString("alice"))
	require.Equal(t, util.NewSet[int64](2), result[data.NewString("bob")])
}

func TestQueueBrowseRecordFold(t *testing.T) {
	q := NewQueue()
	insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	insert(t, q, data.NewAdd("age", data.NewInteger(30), 1))
	insert(t, q, data.NewRemove("name", data.NewString("alice"), 1))

	result := q.BrowseRecord(1, clock.Now(), nil)
	require.NotContains(t, result, "name")
	require.Equal(t, util.NewSet(data.NewInteger(30)), result["age"])
}

func TestQueueExploreRefinesContext(t *testing.T) {
	q := NewQueue()
	insert(t, q, data.NewRemove("age", data.NewInteger(5), 1))
	insert(t, q, data.NewAdd("age", data.NewInteger(4), 3))

	context := map[int64]util.Set[data.Value]{
		1: util.NewSet(data.NewInteger(5)),
		2: util.NewSet(data.NewInteger(10)),
	}
	result := q.Explore(context, clock.Now(), "age", data.OpGreaterThan, data.NewInteger(3))

	require.Equal(t, map[int64]util.Set[data.Value]{
		2: util.NewSet(data.NewInteger(10)),
		3: util.NewSet(data.NewInteger(4)),
	}, result)
}

func TestQueueSearch(t *testing.T) {
	q := NewQueue()
	insert(t, q, data.NewAdd("bio", data.NewString("likes go"), 1))
	insert(t, q, data.NewAdd("bio", data.NewString("likes java"), 2))
	insert(t, q, data.NewRemove("bio", data.NewString("likes go"), 1))

	require.Equal(t, util.NewSet[int64](2), q.Search("bio", "likes"))
}

func TestQueueTouchedRecords(t *testing.T) {
	q := NewQueue()
	insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	insert(t, q, data.NewRemove("name", data.NewString("bob"), 7))
	insert(t, q, data.NewAdd("age", data.NewInteger(1), 9))

	require.Equal(t, util.NewSet[int64](1, 7), q.TouchedRecords("name"))
}

func TestQueueAudit(t *testing.T) {
	q := NewQueue()
	add := insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	other := insert(t, q, data.NewAdd("age", data.NewInteger(30), 1))

	log := q.Audit(1)
	require.Len(t, log, 2)
	require.Equal(t, "ADD 'name' AS 'alice' TO 1", log[add.Version()])

	fieldLog := q.AuditField("age", 1)
	require.Len(t, fieldLog, 1)
	require.Equal(t, "ADD 'age' AS '30' TO 1", fieldLog[other.Version()])
}

type captureDestination struct {
	accepted []*data.Write
	failAt   int
}

func (d *captureDestination) Accept(w *data.Write, sync bool) error {
	if d.failAt > 0 && len(d.accepted)+1 == d.failAt {
		return errors.New("destination refused")
	}
	d.accepted = append(d.accepted, w)
	return nil
}

func TestQueueTransportFIFO(t *testing.T) {
	q := NewQueue()
	first := insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	second := insert(t, q, data.NewRemove("name", data.NewString("alice"), 1))

	dest := &captureDestination{}
	require.NoError(t, q.Transport(dest))
	require.Equal(t, []*data.Write{first, second}, dest.accepted)
	require.True(t, q.Empty())
}

func TestQueueTransportAtMostOnce(t *testing.T) {
	q := NewQueue()
	first := insert(t, q, data.NewAdd("a", data.NewInteger(1), 1))
	insert(t, q, data.NewAdd("b", data.NewInteger(2), 2))

	dest := &captureDestination{failAt: 2}
	require.Error(t, q.Transport(dest))
	require.Equal(t, []*data.Write{first}, dest.accepted)

	// a retry delivers only what was never accepted
	dest.failAt = 0
	require.NoError(t, q.Transport(dest))
	require.Len(t, dest.accepted, 2)
	require.True(t, q.Empty())
}

func TestQueueVersionPerScope(t *testing.T) {
	q := NewQueue()
	require.Zero(t, q.Version(data.KeyToken("name")))

	first := insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	second := insert(t, q, data.NewAdd("name", data.NewString("bob"), 2))

	require.Equal(t, second.Version(), q.Version(data.KeyToken("name")))
	require.Equal(t, first.Version(), q.Version(data.RecordToken(1)))
	require.Equal(t, first.Version(), q.Version(data.FieldToken("name", 1)))
	require.Zero(t, q.Version(data.FieldToken("age", 1)))
}

func TestTransactionQueueBehavesLikeQueue(t *testing.T) {
	q := NewTransactionQueue()
	insert(t, q, data.NewAdd("name", data.NewString("alice"), 1))
	require.False(t, q.Empty())
	require.Len(t, q.Writes(), 1)
}
