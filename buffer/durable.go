package buffer

import (
	"encoding/binary"

	"github.com/MattiasZurkovic/concourse/data"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// DurableBuffer is the engine's Limbo. Pending writes are mirrored into a
// badger value log so that un-transported data survives an engine
// restart; the in-memory queue answers all merge queries.
type DurableBuffer struct {
	Queue
	db       *badger.DB
	inMemory bool
}

// OpenDurable opens (or creates) the buffer directory and reloads any
// pending writes left behind by a previous process, in version order. An
// empty dir opens an in-memory buffer with no durability.
func OpenDurable(dir string) (*DurableBuffer, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening buffer store")
	}

	buf := &DurableBuffer{
		Queue:    Queue{versions: make(map[data.Token]uint64)},
		db:       db,
		inMemory: dir == "",
	}
	if err := buf.reload(); err != nil {
		db.Close()
		return nil, err
	}
	return buf, nil
}

func (b *DurableBuffer) reload() error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				w, err := data.DecodeWrite(val)
				if err != nil {
					return errors.Wrap(err, "corrupt buffered write")
				}
				b.append(w)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func versionKey(version uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], version)
	return key[:]
}

func (b *DurableBuffer) Insert(w *data.Write, sync bool) (bool, error) {
	if !w.Storable() {
		return false, ErrNotStorable
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(versionKey(w.Version()), w.Encode())
	})
	if err != nil {
		return false, errors.Wrap(err, "persisting buffered write")
	}
	if sync && !b.inMemory {
		if err := b.db.Sync(); err != nil {
			return false, errors.Wrap(err, "syncing buffer")
		}
	}

	b.append(w)
	return true, nil
}

// Transport drains pending writes to dest in FIFO order, deleting each
// one from the value log once the destination has accepted it.
func (b *DurableBuffer) Transport(dest Destination) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.writes) > 0 {
		w := b.writes[0]
		if err := dest.Accept(w, false); err != nil {
			return err
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(versionKey(w.Version()))
		})
		if err != nil {
			return errors.Wrap(err, "pruning transported write")
		}
		b.writes = b.writes[1:]
	}
	return nil
}

// Sync forces buffered data to durable storage.
func (b *DurableBuffer) Sync() error {
	if b.inMemory {
		return nil
	}
	return b.db.Sync()
}

func (b *DurableBuffer) Close() error {
	return b.db.Close()
}
