package buffer

import (
	"sync"

	"github.com/MattiasZurkovic/concourse/data"
	"github.com/MattiasZurkovic/concourse/util"
	"github.com/pkg/errors"
)

// ErrNotStorable is returned when a COMPARE probe is inserted into a
// buffer.
var ErrNotStorable = errors.New("write is not storable")

// Queue is the in-memory Limbo used by atomic operations. Writes are
// held in insertion order; the sync flag is accepted and ignored because
// the queue's contents only matter until commit.
type Queue struct {
	mu       sync.RWMutex
	writes   []*data.Write
	versions map[data.Token]uint64
}

func NewQueue() *Queue {
	return &Queue{versions: make(map[data.Token]uint64)}
}

func (q *Queue) Insert(w *data.Write, sync bool) (bool, error) {
	if !w.Storable() {
		return false, ErrNotStorable
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.append(w)
	return true, nil
}

// append records the write and bumps the scope versions; callers hold
// q.mu.
func (q *Queue) append(w *data.Write) {
	q.writes = append(q.writes, w)
	for _, tok := range []data.Token{
		data.RecordToken(w.Record()),
		data.KeyToken(w.Key()),
		data.FieldToken(w.Key(), w.Record()),
	} {
		if w.Version() > q.versions[tok] {
			q.versions[tok] = w.Version()
		}
	}
}

func (q *Queue) Iterate(fn func(w *data.Write) error) error {
	for _, w := range q.snapshot() {
		if err := fn(w); err != nil {
			return err
		}
	}
	return nil
}

// Writes returns the pending writes in insertion order.
func (q *Queue) Writes() []*data.Write {
	return q.snapshot()
}

func (q *Queue) snapshot() []*data.Write {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*data.Write, len(q.writes))
	copy(out, q.writes)
	return out
}

func (q *Queue) BrowseKey(key string, timestamp uint64, context map[data.Value]util.Set[int64]) map[data.Value]util.Set[int64] {
	return browseKey(q.snapshot(), key, timestamp, context)
}

func (q *Queue) BrowseRecord(record int64, timestamp uint64, context map[string]util.Set[data.Value]) map[string]util.Set[data.Value] {
	return browseRecord(q.snapshot(), record, timestamp, context)
}

func (q *Queue) SelectField(key string, record int64, timestamp uint64, context util.Set[data.Value]) util.Set[data.Value] {
	return selectField(q.snapshot(), key, record, timestamp, context)
}

func (q *Queue) Verify(probe *data.Write, timestamp uint64, baseline bool) bool {
	return verify(q.snapshot(), probe, timestamp, baseline)
}

func (q *Queue) Explore(context map[int64]util.Set[data.Value], timestamp uint64, key string, op data.Operator, values ...data.Value) map[int64]util.Set[data.Value] {
	return explore(q.snapshot(), context, timestamp, key, op, values...)
}

func (q *Queue) Search(key, query string) util.Set[int64] {
	return search(q.snapshot(), key, query)
}

func (q *Queue) TouchedRecords(key string) util.Set[int64] {
	return touchedRecords(q.snapshot(), key)
}

func (q *Queue) Audit(record int64) map[uint64]string {
	return audit(q.snapshot(), "", record, false)
}

func (q *Queue) AuditField(key string, record int64) map[uint64]string {
	return audit(q.snapshot(), key, record, true)
}

// Transport drains every write to dest in FIFO order. A write is removed
// as soon as it is accepted, so delivery is at most once even if a later
// accept fails.
func (q *Queue) Transport(dest Destination) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.writes) > 0 {
		if err := dest.Accept(q.writes[0], false); err != nil {
			return err
		}
		q.writes = q.writes[1:]
	}
	return nil
}

func (q *Queue) Version(tok data.Token) uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.versions[tok]
}

func (q *Queue) Empty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.writes) == 0
}

// TransactionQueue backs a Transaction's buffer. It behaves like Queue;
// durability for transactions comes from the commit backup file rather
// than from the buffer itself.
type TransactionQueue struct {
	Queue
}

func NewTransactionQueue() *TransactionQueue {
	return &TransactionQueue{Queue: Queue{versions: make(map[data.Token]uint64)}}
}
