package storage

import (
	"github.com/MattiasZurkovic/concourse/buffer"
	"github.com/MattiasZurkovic/concourse/data"
	"github.com/MattiasZurkovic/concourse/internal/clock"
	"github.com/MattiasZurkovic/concourse/util"
)

// BufferedStore combines a Limbo buffer with a destination store into a
// single logical store. Reads obtain a context from the destination and
// fold the buffer's pending writes into it at the query timestamp (the
// XOR merge); writes land in the buffer only and reach the destination
// via transport.
//
// No lock coordinates the buffer and destination here; each layer built
// on top has distinct locking needs (an atomic operation defers all
// locking to commit), so concurrency is owned by the composing type.
type BufferedStore struct {
	buffer      buffer.Limbo
	destination Store
}

func newBufferedStore(limbo buffer.Limbo, destination Store) *BufferedStore {
	return &BufferedStore{buffer: limbo, destination: destination}
}

// compoundable returns the destination's unsafe read surface, or nil if
// the destination does not offer one.
func (s *BufferedStore) compoundable() Compoundable {
	c, _ := s.destination.(Compoundable)
	return c
}

// add maps key to value in record iff the mapping does not currently
// exist. With validate unset the existence check is skipped; lockOnVerify
// selects the destination's locking read path for the check.
func (s *BufferedStore) add(key string, value data.Value, record int64, sync, validate, lockOnVerify bool) (bool, error) {
	w := data.NewAdd(key, value, record)
	if validate {
		exists, err := s.verifyWrite(w, lockOnVerify)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	return s.buffer.Insert(w, sync)
}

// remove deletes the mapping from key to value in record iff it
// currently exists.
func (s *BufferedStore) remove(key string, value data.Value, record int64, sync, validate, lockOnVerify bool) (bool, error) {
	w := data.NewRemove(key, value, record)
	if validate {
		exists, err := s.verifyWrite(w, lockOnVerify)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
	}
	return s.buffer.Insert(w, sync)
}

// set removes every value currently mapped from key in record and adds
// value, with no validity checks.
func (s *BufferedStore) set(key string, value data.Value, record int64, sync, lockOnVerify bool) error {
	values, err := s.selectField(key, record, !lockOnVerify)
	if err != nil {
		return err
	}
	for existing := range values {
		if _, err := s.buffer.Insert(data.NewRemove(key, existing, record), false); err != nil {
			return err
		}
	}
	_, err = s.buffer.Insert(data.NewAdd(key, value, record), sync)
	return err
}

// verifyWrite checks current membership of the write's (key, value,
// record) triple across destination and buffer.
func (s *BufferedStore) verifyWrite(w *data.Write, lock bool) (bool, error) {
	var baseline bool
	var err error
	if c := s.compoundable(); c != nil && !lock {
		baseline, err = c.VerifyUnsafe(w.Key(), w.Value(), w.Record())
	} else {
		baseline, err = s.destination.Verify(w.Key(), w.Value(), w.Record())
	}
	if err != nil {
		return false, err
	}
	return s.buffer.Verify(w, clock.Now(), baseline), nil
}

func (s *BufferedStore) browse(key string, unsafe bool) (map[data.Value]util.Set[int64], error) {
	var context map[data.Value]util.Set[int64]
	var err error
	if c := s.compoundable(); c != nil && unsafe {
		context, err = c.BrowseUnsafe(key)
	} else {
		context, err = s.destination.Browse(key)
	}
	if err != nil {
		return nil, err
	}
	return s.buffer.BrowseKey(key, clock.Now(), context), nil
}

func (s *BufferedStore) browseAt(key string, timestamp uint64) (map[data.Value]util.Set[int64], error) {
	context, err := s.destination.BrowseAt(key, timestamp)
	if err != nil {
		return nil, err
	}
	return s.buffer.BrowseKey(key, timestamp, context), nil
}

func (s *BufferedStore) selectRecord(record int64, unsafe bool) (map[string]util.Set[data.Value], error) {
	var context map[string]util.Set[data.Value]
	var err error
	if c := s.compoundable(); c != nil && unsafe {
		context, err = c.SelectRecordUnsafe(record)
	} else {
		context, err = s.destination.SelectRecord(record)
	}
	if err != nil {
		return nil, err
	}
	return s.buffer.BrowseRecord(record, clock.Now(), context), nil
}

func (s *BufferedStore) selectRecordAt(record int64, timestamp uint64) (map[string]util.Set[data.Value], error) {
	context, err := s.destination.SelectRecordAt(record, timestamp)
	if err != nil {
		return nil, err
	}
	return s.buffer.BrowseRecord(record, timestamp, context), nil
}

func (s *BufferedStore) selectField(key string, record int64, unsafe bool) (util.Set[data.Value], error) {
	var context util.Set[data.Value]
	var err error
	if c := s.compoundable(); c != nil && unsafe {
		context, err = c.SelectUnsafe(key, record)
	} else {
		context, err = s.destination.Select(key, record)
	}
	if err != nil {
		return nil, err
	}
	return s.buffer.SelectField(key, record, clock.Now(), context), nil
}

func (s *BufferedStore) selectFieldAt(key string, record int64, timestamp uint64) (util.Set[data.Value], error) {
	context, err := s.destination.SelectAt(key, record, timestamp)
	if err != nil {
		return nil, err
	}
	return s.buffer.SelectField(key, record, timestamp, context), nil
}

func (s *BufferedStore) verify(key string, value data.Value, record int64, unsafe bool) (bool, error) {
	return s.verifyWrite(data.NewCompare(key, value, record), !unsafe)
}

func (s *BufferedStore) verifyAt(key string, value data.Value, record int64, timestamp uint64) (bool, error) {
	baseline, err := s.destination.VerifyAt(key, value, record, timestamp)
	if err != nil {
		return false, err
	}
	return s.buffer.Verify(data.NewCompare(key, value, record), timestamp, baseline), nil
}

func (s *BufferedStore) explore(key string, op data.Operator, unsafe bool, values ...data.Value) (map[int64]util.Set[data.Value], error) {
	var context map[int64]util.Set[data.Value]
	var err error
	if c := s.compoundable(); c != nil && unsafe {
		context, err = c.ExploreUnsafe(key, op, values...)
	} else {
		context, err = s.destination.Explore(key, op, values...)
	}
	if err != nil {
		return nil, err
	}
	return s.buffer.Explore(context, clock.Now(), key, op, values...), nil
}

func (s *BufferedStore) exploreAt(timestamp uint64, key string, op data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error) {
	context, err := s.destination.ExploreAt(timestamp, key, op, values...)
	if err != nil {
		return nil, err
	}
	return s.buffer.Explore(context, timestamp, key, op, values...), nil
}

// search replays buffer writes against the destination's hit set: every
// candidate record (destination hit or buffer-touched) is re-selected
// through the merge and re-tested, so buffered toggles of existing
// values cancel instead of reappearing.
func (s *BufferedStore) search(key, query string, unsafe bool) (util.Set[int64], error) {
	var base util.Set[int64]
	var err error
	if c := s.compoundable(); c != nil && unsafe {
		base, err = c.SearchUnsafe(key, query)
	} else {
		base, err = s.destination.Search(key, query)
	}
	if err != nil {
		return nil, err
	}

	candidates := base.Copy()
	for record := range s.buffer.TouchedRecords(key) {
		candidates.Add(record)
	}

	result := util.NewSet[int64]()
	for record := range candidates {
		values, err := s.selectField(key, record, unsafe)
		if err != nil {
			return nil, err
		}
		for v := range values {
			if data.SearchMatch(v, query) {
				result.Add(record)
				break
			}
		}
	}
	return result, nil
}

func (s *BufferedStore) audit(record int64, unsafe bool) (map[uint64]string, error) {
	var log map[uint64]string
	var err error
	if c := s.compoundable(); c != nil && unsafe {
		log, err = c.AuditUnsafe(record)
	} else {
		log, err = s.destination.Audit(record)
	}
	if err != nil {
		return nil, err
	}
	for version, revision := range s.buffer.Audit(record) {
		log[version] = revision
	}
	return log, nil
}

func (s *BufferedStore) auditField(key string, record int64, unsafe bool) (map[uint64]string, error) {
	var log map[uint64]string
	var err error
	if c := s.compoundable(); c != nil && unsafe {
		log, err = c.AuditFieldUnsafe(key, record)
	} else {
		log, err = s.destination.AuditField(key, record)
	}
	if err != nil {
		return nil, err
	}
	for version, revision := range s.buffer.AuditField(key, record) {
		log[version] = revision
	}
	return log, nil
}

// version composes the buffer's and destination's views of a scope.
func (s *BufferedStore) version(tok data.Token) uint64 {
	buffered := s.buffer.Version(tok)
	durable := s.destination.Version(tok)
	if buffered > durable {
		return buffered
	}
	return durable
}
