package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/MattiasZurkovic/concourse/buffer"
	"github.com/MattiasZurkovic/concourse/concurrent"
	"github.com/MattiasZurkovic/concourse/data"
	"github.com/MattiasZurkovic/concourse/internal/clock"
	"github.com/MattiasZurkovic/concourse/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const backupExt = ".txn"

// ErrCompareWrite rejects COMPARE probes submitted to Accept.
var ErrCompareWrite = errors.New("cannot accept a COMPARE write")

// A Transaction is an AtomicOperation whose commit survives crashes: the
// held locks and staged writes are serialized to a backup file and
// forced to disk before the writes drain into the engine, and the file
// is deleted afterwards. A backup found at startup is a commit that was
// cut short, and recovery replays it.
//
// Transactions also host nested atomic operations. Children receive noOp
// lock services (the Transaction is the single serializing authority)
// and register their version-change subscriptions through the
// Transaction, which intercepts engine notifications for scopes a child
// touched and routes them to that child.
type Transaction struct {
	*AtomicOperation

	id     string
	engine *Engine
	queue  *buffer.TransactionQueue

	managedMu    sync.Mutex
	managed      map[VersionChangeListener][]data.Token
	managedRange map[VersionChangeListener][]data.RangeToken
}

func newTransaction(engine *Engine) *Transaction {
	queue := buffer.NewTransactionQueue()
	t := &Transaction{
		AtomicOperation: newAtomicOperation(queue, engine, engine.locks, engine.rangeLocks, engine.config.LockTimeout),
		id:              strconv.FormatUint(clock.Now(), 10),
		engine:          engine,
		queue:           queue,
		managed:         make(map[VersionChangeListener][]data.Token),
		managedRange:    make(map[VersionChangeListener][]data.RangeToken),
	}
	t.self = t
	t.stateErr = func() error { return &TransactionStateError{} }
	return t
}

// Id returns the unique transaction identity, derived from its creation
// timestamp.
func (t *Transaction) Id() string {
	return t.id
}

// StartAtomicOperation yields a nested operation whose destination is
// this Transaction.
func (t *Transaction) StartAtomicOperation() (*AtomicOperation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkState(); err != nil {
		return nil, err
	}
	return newAtomicOperation(buffer.NewQueue(), t, concurrent.NoOpLockService(), concurrent.NoOpRangeLockService(), t.timeout), nil
}

// Accept absorbs a write drained from a nested operation by
// re-dispatching it through the Transaction's own write path.
func (t *Transaction) Accept(w *data.Write, sync bool) error {
	switch w.Action() {
	case data.ActionAdd:
		_, err := t.Add(w.Key(), w.Value(), w.Record())
		return err
	case data.ActionRemove:
		_, err := t.Remove(w.Key(), w.Value(), w.Record())
		return err
	}
	return ErrCompareWrite
}

// Sync is a no-op: durability comes from the commit backup.
func (t *Transaction) Sync() error {
	return nil
}

// Version composes the staged and engine views of a scope.
func (t *Transaction) Version(tok data.Token) uint64 {
	buffered := t.queue.Version(tok)
	durable := t.engine.Version(tok)
	if buffered > durable {
		return buffered
	}
	return durable
}

// The unsafe reads delegate to the safe counterparts: a Transaction
// relies on JIT locking, so its safe reads already use the non-locking
// engine paths while registering the scopes for commit-time locks.

func (t *Transaction) BrowseUnsafe(key string) (map[data.Value]util.Set[int64], error) {
	return t.Browse(key)
}

func (t *Transaction) SelectRecordUnsafe(record int64) (map[string]util.Set[data.Value], error) {
	return t.SelectRecord(record)
}

func (t *Transaction) SelectUnsafe(key string, record int64) (util.Set[data.Value], error) {
	return t.Select(key, record)
}

func (t *Transaction) VerifyUnsafe(key string, value data.Value, record int64) (bool, error) {
	return t.Verify(key, value, record)
}

func (t *Transaction) ExploreUnsafe(key string, op data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error) {
	return t.Explore(key, op, values...)
}

func (t *Transaction) AuditUnsafe(record int64) (map[uint64]string, error) {
	return t.Audit(record)
}

func (t *Transaction) AuditFieldUnsafe(key string, record int64) (map[uint64]string, error) {
	return t.AuditField(key, record)
}

func (t *Transaction) SearchUnsafe(key, query string) (util.Set[int64], error) {
	return t.Search(key, query)
}

// AddVersionChangeListener records a nested operation's subscription.
// The Transaction itself is already registered with the engine for the
// same scope by virtue of serving the child's read through its own read
// path.
func (t *Transaction) AddVersionChangeListener(tok data.Token, l VersionChangeListener) {
	t.managedMu.Lock()
	defer t.managedMu.Unlock()
	t.managed[l] = append(t.managed[l], tok)
}

func (t *Transaction) RemoveVersionChangeListener(tok data.Token, l VersionChangeListener) {
	t.managedMu.Lock()
	defer t.managedMu.Unlock()
	toks := t.managed[l]
	for i, candidate := range toks {
		if candidate == tok {
			t.managed[l] = append(toks[:i], toks[i+1:]...)
			break
		}
	}
}

func (t *Transaction) AddRangeVersionChangeListener(tok data.RangeToken, l VersionChangeListener) {
	t.managedMu.Lock()
	defer t.managedMu.Unlock()
	t.managedRange[l] = append(t.managedRange[l], tok)
}

func (t *Transaction) RemoveRangeVersionChangeListener(tok data.RangeToken, l VersionChangeListener) {
	t.managedMu.Lock()
	defer t.managedMu.Unlock()
	id := tok.Id()
	toks := t.managedRange[l]
	for i, candidate := range toks {
		if candidate.Id() == id {
			t.managedRange[l] = append(toks[:i], toks[i+1:]...)
			break
		}
	}
}

// onChildDone drops every subscription managed on behalf of a nested
// operation that committed or aborted.
func (t *Transaction) onChildDone(l VersionChangeListener) {
	t.managedMu.Lock()
	defer t.managedMu.Unlock()
	delete(t.managed, l)
	delete(t.managedRange, l)
}

// OnVersionChange intercepts an engine notification: if the scope was
// touched by a nested operation, the notification is delivered there and
// dropped; otherwise the Transaction itself read or wrote the scope and
// the conflict is its own.
func (t *Transaction) OnVersionChange(tok data.Token) {
	t.managedMu.Lock()
	var target VersionChangeListener
	for l, toks := range t.managed {
		for i, candidate := range toks {
			if candidate == tok {
				target = l
				t.managed[l] = append(toks[:i], toks[i+1:]...)
				break
			}
		}
		if target != nil {
			break
		}
	}
	t.managedMu.Unlock()

	if target != nil {
		target.OnVersionChange(tok)
		t.refreshExpectation(tok)
		return
	}
	t.AtomicOperation.OnVersionChange(tok)
}

func (t *Transaction) OnRangeVersionChange(tok data.RangeToken) {
	id := tok.Id()
	t.managedMu.Lock()
	var target VersionChangeListener
	for l, toks := range t.managedRange {
		for i, candidate := range toks {
			if candidate.Id() == id {
				target = l
				t.managedRange[l] = append(toks[:i], toks[i+1:]...)
				break
			}
		}
		if target != nil {
			break
		}
	}
	t.managedMu.Unlock()

	if target != nil {
		target.OnRangeVersionChange(tok)
		return
	}
	t.AtomicOperation.OnRangeVersionChange(tok)
}

// Commit applies the transaction durably. A read-only transaction skips
// the backup entirely.
func (t *Transaction) Commit() (bool, error) {
	return t.commit(t.backupDrain)
}

func (t *Transaction) backupPath() string {
	return filepath.Join(t.engine.transactionStore(), t.id+backupExt)
}

// backupDrain is the durable variant of the commit drain: serialize
// (locks ∥ writes), force the file, drain, then delete the backup. The
// fsync between the write and the drain is what makes recovery sound.
func (t *Transaction) backupDrain(descs []concurrent.LockDescription) error {
	if t.queue.Empty() {
		return t.plainDrain(descs)
	}

	path := t.backupPath()
	blob := serializeBackup(descs, t.queue.Writes())

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating transaction backup")
	}
	defer file.Close()

	if _, err := file.Write(blob); err != nil {
		os.Remove(path)
		return errors.Wrap(err, "writing transaction backup")
	}
	if err := file.Sync(); err != nil {
		os.Remove(path)
		return errors.Wrap(err, "forcing transaction backup")
	}
	logrus.WithFields(logrus.Fields{"transaction": t.id, "file": path}).
		Info("created transaction backup")

	if err := t.plainDrain(descs); err != nil {
		os.Remove(path)
		return err
	}
	return os.Remove(path)
}

// serializeBackup lays the backup out as
//
//	[u32 lockSectionLength][lockSection][writeSection]
//
// where each section is a framed collection: [u32 count] then, per item,
// [u32 size][size bytes].
func serializeBackup(descs []concurrent.LockDescription, writes []*data.Write) []byte {
	lockItems := make([][]byte, len(descs))
	for i, desc := range descs {
		lockItems[i] = desc.Encode()
	}
	writeItems := make([][]byte, len(writes))
	for i, w := range writes {
		writeItems[i] = w.Encode()
	}

	lockSection := encodeFramed(lockItems)
	buf := make([]byte, 0, 4+len(lockSection))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(lockSection)))
	buf = append(buf, lockSection...)
	return append(buf, encodeFramed(writeItems)...)
}

func deserializeBackup(blob []byte) ([]concurrent.LockDescription, []*data.Write, error) {
	if len(blob) < 4 {
		return nil, nil, errors.New("backup is truncated")
	}
	lockLen := int(binary.BigEndian.Uint32(blob[:4]))
	blob = blob[4:]
	if len(blob) < lockLen {
		return nil, nil, errors.New("backup is truncated")
	}

	lockItems, err := decodeFramed(blob[:lockLen])
	if err != nil {
		return nil, nil, err
	}
	descs := make([]concurrent.LockDescription, len(lockItems))
	for i, item := range lockItems {
		if descs[i], err = concurrent.DecodeLockDescription(item); err != nil {
			return nil, nil, err
		}
	}

	writeItems, err := decodeFramed(blob[lockLen:])
	if err != nil {
		return nil, nil, err
	}
	writes := make([]*data.Write, len(writeItems))
	for i, item := range writeItems {
		if writes[i], err = data.DecodeWrite(item); err != nil {
			return nil, nil, err
		}
	}
	return descs, writes, nil
}

func encodeFramed(items [][]byte) []byte {
	size := 4
	for _, item := range items {
		size += 4 + len(item)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(items)))
	for _, item := range items {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(item)))
		buf = append(buf, item...)
	}
	return buf
}

func decodeFramed(buf []byte) ([][]byte, error) {
	if len(buf) < 4 {
		return nil, errors.New("framed collection is truncated")
	}
	count := int(binary.BigEndian.Uint32(buf[:4]))
	buf = buf[4:]

	items := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < 4 {
			return nil, errors.New("framed collection is truncated")
		}
		size := int(binary.BigEndian.Uint32(buf[:4]))
		buf = buf[4:]
		if len(buf) < size {
			return nil, errors.New("framed collection is truncated")
		}
		items = append(items, buf[:size])
		buf = buf[size:]
	}
	if len(buf) != 0 {
		return nil, errors.New("framed collection has trailing bytes")
	}
	return items, nil
}

// recoverBackup finishes the commit captured in a backup file. The
// transaction never durably committed if the file cannot be parsed, so a
// corrupt backup is logged and discarded without touching the permanent
// store.
func recoverBackup(engine *Engine, path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading transaction backup")
	}

	descs, writes, err := deserializeBackup(blob)
	if err != nil {
		logrus.WithFields(logrus.Fields{"file": path, "error": err}).
			Warn("transaction backup is corrupt; the transaction never " +
				"committed and none of its data has persisted")
		return os.Remove(path)
	}

	t := newTransaction(engine)
	t.state = stateCommitting // closed to new operations
	for _, w := range writes {
		if _, err := t.queue.Insert(w, false); err != nil {
			return err
		}
	}

	release, err := t.grabAll(descs)
	if err != nil {
		return errors.Wrap(err, "acquiring recovered locks")
	}
	err = t.plainDrain(descs)
	release()
	if err != nil {
		return errors.Wrap(err, "replaying transaction backup")
	}
	t.state = stateCommitted

	logrus.WithField("file", path).Info("recovered transaction backup")
	return os.Remove(path)
}
