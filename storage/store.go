// Package storage implements the transactional core: the permanent
// Database, the BufferedStore merge protocol, AtomicOperation,
// Transaction and the Engine that hosts them.
package storage

import (
	"github.com/MattiasZurkovic/concourse/data"
	"github.com/MattiasZurkovic/concourse/util"
)

// Store is the read surface shared by every layer. Present-time reads
// and historical reads (the *At variants) are separate methods because
// destinations use different code paths for them.
type Store interface {
	// Audit maps versions to revision strings for record.
	Audit(record int64) (map[uint64]string, error)

	// AuditField is Audit narrowed to one (key, record) field.
	AuditField(key string, record int64) (map[uint64]string, error)

	// Browse maps each value stored under key to the records holding it.
	Browse(key string) (map[data.Value]util.Set[int64], error)
	BrowseAt(key string, timestamp uint64) (map[data.Value]util.Set[int64], error)

	// SelectRecord maps each nonempty key in record to its value set.
	SelectRecord(record int64) (map[string]util.Set[data.Value], error)
	SelectRecordAt(record int64, timestamp uint64) (map[string]util.Set[data.Value], error)

	// Select returns the values currently mapped from key in record.
	Select(key string, record int64) (util.Set[data.Value], error)
	SelectAt(key string, record int64, timestamp uint64) (util.Set[data.Value], error)

	// Verify reports whether key maps to value in record.
	Verify(key string, value data.Value, record int64) (bool, error)
	VerifyAt(key string, value data.Value, record int64, timestamp uint64) (bool, error)

	// Explore returns the records whose values under key satisfy the
	// operator, mapped to their matching values.
	Explore(key string, op data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error)
	ExploreAt(timestamp uint64, key string, op data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error)

	// Search returns the records with a string value under key matching
	// the textual query.
	Search(key, query string) (util.Set[int64], error)

	// Version returns the max write timestamp observed for the scope.
	Version(tok data.Token) uint64
}

// PermanentStore is a Store that absorbs transported writes durably.
type PermanentStore interface {
	Store

	// Accept absorbs one already-validated write, preserving the order
	// of successive accepts.
	Accept(w *data.Write, sync bool) error

	// Sync forces previously accepted data to durable storage.
	Sync() error
}

// VersionChangeListener is notified when a scope it subscribed to is
// touched by a newer write.
type VersionChangeListener interface {
	OnVersionChange(tok data.Token)
	OnRangeVersionChange(tok data.RangeToken)
}

// Compoundable is a store that additionally exposes non-locking read
// variants for callers that already own concurrency externally, plus
// version-change subscription. Atomic operations require their
// destination to be Compoundable.
type Compoundable interface {
	PermanentStore

	BrowseUnsafe(key string) (map[data.Value]util.Set[int64], error)
	SelectRecordUnsafe(record int64) (map[string]util.Set[data.Value], error)
	SelectUnsafe(key string, record int64) (util.Set[data.Value], error)
	VerifyUnsafe(key string, value data.Value, record int64) (bool, error)
	ExploreUnsafe(key string, op data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error)
	AuditUnsafe(record int64) (map[uint64]string, error)
	AuditFieldUnsafe(key string, record int64) (map[uint64]string, error)
	SearchUnsafe(key, query string) (util.Set[int64], error)

	AddVersionChangeListener(tok data.Token, l VersionChangeListener)
	RemoveVersionChangeListener(tok data.Token, l VersionChangeListener)
	AddRangeVersionChangeListener(tok data.RangeToken, l VersionChangeListener)
	RemoveRangeVersionChangeListener(tok data.RangeToken, l VersionChangeListener)
}
