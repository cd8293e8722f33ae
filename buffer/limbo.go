// Package buffer implements Limbo: an ordered, appendable log of writes
// that can be merge-queried against a read context and eventually
// transported to a permanent destination.
package buffer

import (
	"github.com/MattiasZurkovic/concourse/data"
	"github.com/MattiasZurkovic/concourse/util"
)

// Destination absorbs writes drained from a buffer.
type Destination interface {
	Accept(w *data.Write, sync bool) error
}

// Limbo is an insertion-ordered log of pending writes. Versions increase
// with insertion order, and every query folds the log up to an explicit
// timestamp into a caller-supplied context: a matching ADD inserts into
// the context and a matching REMOVE deletes from it. Verify instead
// toggles its baseline once per matching write.
type Limbo interface {
	// Insert appends a storable write, durably if sync is set.
	Insert(w *data.Write, sync bool) (bool, error)

	// Iterate visits every pending write in insertion order.
	Iterate(fn func(w *data.Write) error) error

	// BrowseKey folds writes on key up to timestamp into context,
	// mapping values to the records that hold them.
	BrowseKey(key string, timestamp uint64, context map[data.Value]util.Set[int64]) map[data.Value]util.Set[int64]

	// BrowseRecord folds writes on record up to timestamp into context,
	// mapping keys to their value sets.
	BrowseRecord(record int64, timestamp uint64, context map[string]util.Set[data.Value]) map[string]util.Set[data.Value]

	// SelectField folds writes on (key, record) up to timestamp into the
	// field's value set.
	SelectField(key string, record int64, timestamp uint64, context util.Set[data.Value]) util.Set[data.Value]

	// Verify XORs baseline with the parity of writes matching the
	// probe's (key, value, record) up to timestamp.
	Verify(probe *data.Write, timestamp uint64, baseline bool) bool

	// Explore refines an operator predicate result from the destination
	// by replaying matching writes up to timestamp.
	Explore(context map[int64]util.Set[data.Value], timestamp uint64, key string, op data.Operator, values ...data.Value) map[int64]util.Set[data.Value]

	// Search returns the records whose buffered values for key satisfy
	// the textual query.
	Search(key, query string) util.Set[int64]

	// TouchedRecords returns every record mentioned by a pending write
	// on key.
	TouchedRecords(key string) util.Set[int64]

	// Audit maps versions to revision strings for writes on record.
	Audit(record int64) map[uint64]string

	// AuditField is Audit narrowed to one (key, record) field.
	AuditField(key string, record int64) map[uint64]string

	// Transport drains pending writes to dest in FIFO order with
	// at-most-once delivery per write.
	Transport(dest Destination) error

	// Version returns the max timestamp the buffer has observed for the
	// scope, or zero.
	Version(tok data.Token) uint64

	Empty() bool
}

// fold helpers shared by the Limbo implementations; each is a pure
// function of (writes, timestamp, context)

func browseKey(writes []*data.Write, key string, timestamp uint64, context map[data.Value]util.Set[int64]) map[data.Value]util.Set[int64] {
	if context == nil {
		context = make(map[data.Value]util.Set[int64])
	}
	for _, w := range writes {
		if w.Version() > timestamp {
			continue
		}
		if w.Key() == key {
			util.ToggleInSetMap(context, w.Value(), w.Record(), w.Action() == data.ActionAdd)
		}
	}
	return context
}

func browseRecord(writes []*data.Write, record int64, timestamp uint64, context map[string]util.Set[data.Value]) map[string]util.Set[data.Value] {
	if context == nil {
		context = make(map[string]util.Set[data.Value])
	}
	for _, w := range writes {
		if w.Version() > timestamp {
			continue
		}
		if w.Record() == record {
			util.ToggleInSetMap(context, w.Key(), w.Value(), w.Action() == data.ActionAdd)
		}
	}
	return context
}

func selectField(writes []*data.Write, key string, record int64, timestamp uint64, context util.Set[data.Value]) util.Set[data.Value] {
	if context == nil {
		context = util.NewSet[data.Value]()
	}
	for _, w := range writes {
		if w.Version() > timestamp {
			continue
		}
		if w.Key() == key && w.Record() == record {
			if w.Action() == data.ActionAdd {
				context.Add(w.Value())
			} else {
				context.Remove(w.Value())
			}
		}
	}
	return context
}

func verify(writes []*data.Write, probe *data.Write, timestamp uint64, baseline bool) bool {
	exists := baseline
	for _, w := range writes {
		if w.Version() > timestamp {
			continue
		}
		if w.Matches(probe) {
			exists = !exists
		}
	}
	return exists
}

func explore(writes []*data.Write, context map[int64]util.Set[data.Value], timestamp uint64, key string, op data.Operator, values ...data.Value) map[int64]util.Set[data.Value] {
	if context == nil {
		context = make(map[int64]util.Set[data.Value])
	}
	for _, w := range writes {
		if w.Version() > timestamp {
			continue
		}
		if w.Key() == key && op.Satisfies(w.Value(), values...) {
			util.ToggleInSetMap(context, w.Record(), w.Value(), w.Action() == data.ActionAdd)
		}
	}
	return context
}

func search(writes []*data.Write, key, query string) util.Set[int64] {
	matched := make(map[int64]util.Set[data.Value])
	for _, w := range writes {
		if w.Key() == key && data.SearchMatch(w.Value(), query) {
			util.ToggleInSetMap(matched, w.Record(), w.Value(), w.Action() == data.ActionAdd)
		}
	}
	records := util.NewSet[int64]()
	for record := range matched {
		records.Add(record)
	}
	return records
}

func touchedRecords(writes []*data.Write, key string) util.Set[int64] {
	records := util.NewSet[int64]()
	for _, w := range writes {
		if w.Key() == key {
			records.Add(w.Record())
		}
	}
	return records
}

func audit(writes []*data.Write, key string, record int64, byField bool) map[uint64]string {
	log := make(map[uint64]string)
	for _, w := range writes {
		if w.Record() != record {
			continue
		}
		if byField && w.Key() != key {
			continue
		}
		log[w.Version()] = w.String()
	}
	return log
}
