package storage

import (
	"path/filepath"
	"sync"

	"github.com/MattiasZurkovic/concourse/data"
	"github.com/MattiasZurkovic/concourse/util"
	"github.com/google/btree"
	"github.com/google/orderedcode"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

const (
	databaseFileName = "database.db"
	revisionBucket   = "revisions"
)

// ErrNotStorable rejects COMPARE probes submitted for acceptance.
var ErrNotStorable = errors.New("write is not storable")

// Database is the permanent store: an append-only revision log with a
// materialized present-time view. Present reads hit the materialized
// maps and per-key value indexes; historical reads replay the log up to
// the requested timestamp. Accepted revisions are persisted to a bbolt
// bucket keyed in version order and replayed on open.
type Database struct {
	mu sync.RWMutex
	db *bbolt.DB

	revisions []*data.Write
	fields    map[fieldKey]util.Set[data.Value]
	records   map[int64]map[string]util.Set[data.Value]
	keyIndex  map[string]*btree.BTreeG[*valueEntry]
	versions  map[data.Token]uint64
}

type fieldKey struct {
	key    string
	record int64
}

// valueEntry is one node of a per-key index: a value and the records
// that presently hold it under the key.
type valueEntry struct {
	value   data.Value
	records util.Set[int64]
}

func lessValueEntry(a, b *valueEntry) bool {
	return data.Compare(a.value, b.value) < 0
}

// storedRevision is the msgpack shape of one accepted write inside the
// bbolt bucket.
type storedRevision struct {
	Action  uint8  `msgpack:"a"`
	Key     string `msgpack:"k"`
	Value   []byte `msgpack:"v"`
	Record  int64  `msgpack:"r"`
	Version uint64 `msgpack:"t"`
}

// OpenDatabase opens (or creates) the permanent store in dir and rebuilds
// the in-memory state from the revision log. An empty dir opens a purely
// in-memory database.
func OpenDatabase(dir string) (*Database, error) {
	d := &Database{
		fields:   make(map[fieldKey]util.Set[data.Value]),
		records:  make(map[int64]map[string]util.Set[data.Value]),
		keyIndex: make(map[string]*btree.BTreeG[*valueEntry]),
		versions: make(map[data.Token]uint64),
	}
	if dir == "" {
		return d, nil
	}

	db, err := bbolt.Open(filepath.Join(dir, databaseFileName), 0666, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	d.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(revisionBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := d.replay(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) replay() error {
	return d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(revisionBucket)).ForEach(func(_, v []byte) error {
			var stored storedRevision
			if err := msgpack.Unmarshal(v, &stored); err != nil {
				return errors.Wrap(err, "corrupt revision")
			}
			w, err := revisionToWrite(&stored)
			if err != nil {
				return err
			}
			d.apply(w)
			return nil
		})
	})
}

func revisionToWrite(stored *storedRevision) (*data.Write, error) {
	value, err := data.DecodeValue(stored.Value)
	if err != nil {
		return nil, err
	}
	return data.RecoveredWrite(data.Action(stored.Action), stored.Key, value, stored.Record, stored.Version), nil
}

func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Accept absorbs one write into the revision log and the materialized
// views. Order across accepts is the caller's insertion order.
func (d *Database) Accept(w *data.Write, sync bool) error {
	if !w.Storable() {
		return ErrNotStorable
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		encoded, err := msgpack.Marshal(&storedRevision{
			Action:  uint8(w.Action()),
			Key:     w.Key(),
			Value:   w.Value().Encode(),
			Record:  w.Record(),
			Version: w.Version(),
		})
		if err != nil {
			return err
		}
		key, err := orderedcode.Append(nil, w.Version())
		if err != nil {
			return err
		}
		err = d.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket([]byte(revisionBucket)).Put(key, encoded)
		})
		if err != nil {
			return errors.Wrap(err, "persisting revision")
		}
	}

	d.apply(w)
	return nil
}

// apply folds one revision into the materialized views; callers hold
// d.mu.
func (d *Database) apply(w *data.Write) {
	d.revisions = append(d.revisions, w)

	add := w.Action() == data.ActionAdd
	fk := fieldKey{key: w.Key(), record: w.Record()}
	field, ok := d.fields[fk]
	if !ok {
		field = util.NewSet[data.Value]()
		d.fields[fk] = field
	}
	if add {
		field.Add(w.Value())
	} else {
		field.Remove(w.Value())
	}
	if field.Empty() {
		delete(d.fields, fk)
	}

	record, ok := d.records[w.Record()]
	if !ok {
		record = make(map[string]util.Set[data.Value])
		d.records[w.Record()] = record
	}
	util.ToggleInSetMap(record, w.Key(), w.Value(), add)
	if len(record) == 0 {
		delete(d.records, w.Record())
	}

	index, ok := d.keyIndex[w.Key()]
	if !ok {
		index = btree.NewG(32, lessValueEntry)
		d.keyIndex[w.Key()] = index
	}
	probe := &valueEntry{value: w.Value()}
	entry, ok := index.Get(probe)
	if !ok {
		entry = &valueEntry{value: w.Value(), records: util.NewSet[int64]()}
		index.ReplaceOrInsert(entry)
	}
	if add {
		entry.records.Add(w.Record())
	} else {
		entry.records.Remove(w.Record())
	}
	if entry.records.Empty() {
		index.Delete(entry)
	}

	for _, tok := range []data.Token{
		data.RecordToken(w.Record()),
		data.KeyToken(w.Key()),
		data.FieldToken(w.Key(), w.Record()),
	} {
		if w.Version() > d.versions[tok] {
			d.versions[tok] = w.Version()
		}
	}
}

// Sync forces the revision log to durable storage.
func (d *Database) Sync() error {
	if d.db == nil {
		return nil
	}
	return d.db.Sync()
}

func (d *Database) Browse(key string) (map[data.Value]util.Set[int64], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[data.Value]util.Set[int64])
	if index, ok := d.keyIndex[key]; ok {
		index.Ascend(func(entry *valueEntry) bool {
			result[entry.value] = entry.records.Copy()
			return true
		})
	}
	return result, nil
}

func (d *Database) BrowseAt(key string, timestamp uint64) (map[data.Value]util.Set[int64], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[data.Value]util.Set[int64])
	for _, w := range d.revisions {
		if w.Version() > timestamp {
			continue
		}
		if w.Key() == key {
			util.ToggleInSetMap(result, w.Value(), w.Record(), w.Action() == data.ActionAdd)
		}
	}
	return result, nil
}

func (d *Database) SelectRecord(record int64) (map[string]util.Set[data.Value], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return util.CopySetMap(d.records[record]), nil
}

func (d *Database) SelectRecordAt(record int64, timestamp uint64) (map[string]util.Set[data.Value], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[string]util.Set[data.Value])
	for _, w := range d.revisions {
		if w.Version() > timestamp {
			continue
		}
		if w.Record() == record {
			util.ToggleInSetMap(result, w.Key(), w.Value(), w.Action() == data.ActionAdd)
		}
	}
	return result, nil
}

func (d *Database) Select(key string, record int64) (util.Set[data.Value], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if field, ok := d.fields[fieldKey{key: key, record: record}]; ok {
		return field.Copy(), nil
	}
	return util.NewSet[data.Value](), nil
}

func (d *Database) SelectAt(key string, record int64, timestamp uint64) (util.Set[data.Value], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := util.NewSet[data.Value]()
	for _, w := range d.revisions {
		if w.Version() > timestamp {
			continue
		}
		if w.Key() == key && w.Record() == record {
			if w.Action() == data.ActionAdd {
				result.Add(w.Value())
			} else {
				result.Remove(w.Value())
			}
		}
	}
	return result, nil
}

func (d *Database) Verify(key string, value data.Value, record int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	field, ok := d.fields[fieldKey{key: key, record: record}]
	return ok && field.Has(value), nil
}

func (d *Database) VerifyAt(key string, value data.Value, record int64, timestamp uint64) (bool, error) {
	values, err := d.SelectAt(key, record, timestamp)
	if err != nil {
		return false, err
	}
	return values.Has(value), nil
}

func (d *Database) Explore(key string, op data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[int64]util.Set[data.Value])
	if index, ok := d.keyIndex[key]; ok {
		index.Ascend(func(entry *valueEntry) bool {
			if op.Satisfies(entry.value, values...) {
				for record := range entry.records {
					util.ToggleInSetMap(result, record, entry.value, true)
				}
			}
			return true
		})
	}
	return result, nil
}

func (d *Database) ExploreAt(timestamp uint64, key string, op data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[int64]util.Set[data.Value])
	for _, w := range d.revisions {
		if w.Version() > timestamp {
			continue
		}
		if w.Key() == key && op.Satisfies(w.Value(), values...) {
			util.ToggleInSetMap(result, w.Record(), w.Value(), w.Action() == data.ActionAdd)
		}
	}
	return result, nil
}

func (d *Database) Search(key, query string) (util.Set[int64], error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	records := util.NewSet[int64]()
	if index, ok := d.keyIndex[key]; ok {
		index.Ascend(func(entry *valueEntry) bool {
			if data.SearchMatch(entry.value, query) {
				for record := range entry.records {
					records.Add(record)
				}
			}
			return true
		})
	}
	return records, nil
}

func (d *Database) Audit(record int64) (map[uint64]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	log := make(map[uint64]string)
	for _, w := range d.revisions {
		if w.Record() == record {
			log[w.Version()] = w.String()
		}
	}
	return log, nil
}

func (d *Database) AuditField(key string, record int64) (map[uint64]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	log := make(map[uint64]string)
	for _, w := range d.revisions {
		if w.Key() == key && w.Record() == record {
			log[w.Version()] = w.String()
		}
	}
	return log, nil
}

func (d *Database) Version(tok data.Token) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.versions[tok]
}
