package storage

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MattiasZurkovic/concourse/buffer"
	"github.com/MattiasZurkovic/concourse/concurrent"
	"github.com/MattiasZurkovic/concourse/data"
	"github.com/MattiasZurkovic/concourse/util"
	"github.com/gofrs/uuid/v5"
	"github.com/sirupsen/logrus"
)

const (
	bufferDirName      = "buffer"
	databaseDirName    = "db"
	transactionDirName = "transactions"
)

// Engine is the top of the storage stack: a BufferedStore whose buffer
// is durable and whose destination is the permanent Database. It
// coordinates concurrent callers with token and range locks, publishes
// version changes to subscribed atomic operations, transports the buffer
// in the background, and recovers interrupted transactions at startup.
type Engine struct {
	config *Config
	id     string
	dir    string
	txnDir string

	bs       *BufferedStore
	buf      *buffer.DurableBuffer
	database *Database

	locks      *concurrent.LockService
	rangeLocks *concurrent.RangeLockService

	// transport excludes merge reads while the buffer drains into the
	// database, so no write is observed twice or not at all mid-move.
	transport sync.RWMutex

	lmu       sync.Mutex
	listeners map[data.Token]map[VersionChangeListener]struct{}
	rangeSubs map[string][]rangeSub

	chQuit chan struct{}
	chWg   sync.WaitGroup
	closed uint32
}

type rangeSub struct {
	tok data.RangeToken
	l   VersionChangeListener
}

// Open starts an engine rooted at dir, recovering any transaction
// backups left behind by a previous process. An in-memory engine keeps
// its transaction store in a temp dir so the commit protocol is
// unchanged.
func Open(dir string, opts ...Option) (*Engine, error) {
	config, err := defaultConfig().applyOptions(opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:     config,
		dir:        dir,
		locks:      concurrent.NewLockService(),
		rangeLocks: concurrent.NewRangeLockService(),
		listeners:  make(map[data.Token]map[VersionChangeListener]struct{}),
		rangeSubs:  make(map[string][]rangeSub),
		chQuit:     make(chan struct{}, 1),
	}

	instance, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	e.id = instance.String()

	bufferDir, databaseDir := "", ""
	if config.InMemory || dir == "" {
		if e.txnDir, err = os.MkdirTemp("", "concourse-txn"); err != nil {
			return nil, err
		}
	} else {
		bufferDir = filepath.Join(dir, bufferDirName)
		databaseDir = filepath.Join(dir, databaseDirName)
		e.txnDir = filepath.Join(dir, transactionDirName)
		for _, sub := range []string{bufferDir, databaseDir, e.txnDir} {
			if err := os.MkdirAll(sub, 0755); err != nil {
				return nil, err
			}
		}
	}

	if e.database, err = OpenDatabase(databaseDir); err != nil {
		return nil, err
	}
	if e.buf, err = buffer.OpenDurable(bufferDir); err != nil {
		e.database.Close()
		return nil, err
	}
	e.bs = newBufferedStore(e.buf, e.database)

	if err := e.recover(); err != nil {
		e.buf.Close()
		e.database.Close()
		return nil, err
	}

	e.startTransport()
	logrus.WithFields(logrus.Fields{"engine": e.id, "dir": dir}).
		Info("storage engine started")
	return e, nil
}

// recover replays every transaction backup in id order.
func (e *Engine) recover() error {
	files, err := filepath.Glob(filepath.Join(e.txnDir, "*"+backupExt))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, file := range files {
		if err := recoverBackup(e, file); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) startTransport() {
	e.chWg.Add(1)
	go func() {
		defer e.chWg.Done()

		ticker := time.NewTicker(e.config.TransportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-e.chQuit:
				return
			case <-ticker.C:
				if err := e.Transport(); err != nil {
					logrus.WithFields(logrus.Fields{"engine": e.id, "error": err}).
						Error("buffer transport failed")
				}
			}
		}
	}()
}

// Transport drains the buffer into the database.
func (e *Engine) Transport() error {
	e.transport.Lock()
	defer e.transport.Unlock()

	if e.buf.Empty() {
		return nil
	}
	if err := e.buf.Transport(e.database); err != nil {
		return err
	}
	return e.database.Sync()
}

// Close stops the transport loop and releases the underlying stores.
// Pending buffered writes survive in the durable buffer.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapUint32(&e.closed, 0, 1) {
		return nil
	}
	e.chQuit <- struct{}{}
	e.chWg.Wait()
	close(e.chQuit)

	if err := e.buf.Close(); err != nil {
		e.database.Close()
		return err
	}
	if err := e.database.Close(); err != nil {
		return err
	}
	logrus.WithField("engine", e.id).Info("storage engine stopped")
	return nil
}

// StartAtomicOperation opens a top-level atomic operation against this
// engine.
func (e *Engine) StartAtomicOperation() *AtomicOperation {
	return newAtomicOperation(buffer.NewQueue(), e, e.locks, e.rangeLocks, e.config.LockTimeout)
}

// StartTransaction opens a durable transaction against this engine.
func (e *Engine) StartTransaction() *Transaction {
	return newTransaction(e)
}

func (e *Engine) transactionStore() string {
	return e.txnDir
}

// Add maps key to value in record iff the mapping does not currently
// exist.
func (e *Engine) Add(key string, value data.Value, record int64) (bool, error) {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.locks.WriteLock(data.FieldToken(key, record), e.config.LockTimeout)
	if err != nil {
		return false, err
	}
	defer unlock()
	unlockRange, err := e.rangeLocks.WriteLock(data.PointRangeToken(key, value), e.config.LockTimeout)
	if err != nil {
		return false, err
	}
	defer unlockRange()

	ok, err := e.bs.add(key, value, record, true, true, false)
	if ok {
		e.announce(key, value, record)
	}
	return ok, err
}

// Remove deletes the mapping from key to value in record iff it
// currently exists.
func (e *Engine) Remove(key string, value data.Value, record int64) (bool, error) {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.locks.WriteLock(data.FieldToken(key, record), e.config.LockTimeout)
	if err != nil {
		return false, err
	}
	defer unlock()
	unlockRange, err := e.rangeLocks.WriteLock(data.PointRangeToken(key, value), e.config.LockTimeout)
	if err != nil {
		return false, err
	}
	defer unlockRange()

	ok, err := e.bs.remove(key, value, record, true, true, false)
	if ok {
		e.announce(key, value, record)
	}
	return ok, err
}

// Set replaces every value under key in record with value.
func (e *Engine) Set(key string, value data.Value, record int64) error {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.locks.WriteLock(data.FieldToken(key, record), e.config.LockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := e.bs.selectField(key, record, false)
	if err != nil {
		return err
	}
	if err := e.bs.set(key, value, record, true, false); err != nil {
		return err
	}
	for v := range existing {
		e.announce(key, v, record)
	}
	e.announce(key, value, record)
	return nil
}

// Accept absorbs one write drained from a committing atomic operation.
// The caller already holds the locks that authorize it, so the write
// goes straight into the buffer and the version change is published.
func (e *Engine) Accept(w *data.Write, sync bool) error {
	if _, err := e.buf.Insert(w, sync); err != nil {
		return err
	}
	e.announce(w.Key(), w.Value(), w.Record())
	return nil
}

// Sync forces buffered data to durable storage.
func (e *Engine) Sync() error {
	return e.buf.Sync()
}

// announce publishes a version change on every scope the write touched.
// Listeners are invoked outside the registry lock.
func (e *Engine) announce(key string, value data.Value, record int64) {
	toks := []data.Token{
		data.FieldToken(key, record),
		data.RecordToken(record),
		data.KeyToken(key),
	}

	type tokenNotice struct {
		tok data.Token
		l   VersionChangeListener
	}
	type rangeNotice struct {
		tok data.RangeToken
		l   VersionChangeListener
	}
	var notices []tokenNotice
	var rangeNotices []rangeNotice

	point := data.PointRangeToken(key, value).Interval()

	e.lmu.Lock()
	for _, tok := range toks {
		for l := range e.listeners[tok] {
			notices = append(notices, tokenNotice{tok: tok, l: l})
		}
	}
	for _, sub := range e.rangeSubs[key] {
		if sub.tok.Interval().Overlaps(point) {
			rangeNotices = append(rangeNotices, rangeNotice{tok: sub.tok, l: sub.l})
		}
	}
	e.lmu.Unlock()

	for _, notice := range notices {
		notice.l.OnVersionChange(notice.tok)
	}
	for _, notice := range rangeNotices {
		notice.l.OnRangeVersionChange(notice.tok)
	}
}

func (e *Engine) AddVersionChangeListener(tok data.Token, l VersionChangeListener) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	set, ok := e.listeners[tok]
	if !ok {
		set = make(map[VersionChangeListener]struct{})
		e.listeners[tok] = set
	}
	set[l] = struct{}{}
}

func (e *Engine) RemoveVersionChangeListener(tok data.Token, l VersionChangeListener) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	if set, ok := e.listeners[tok]; ok {
		delete(set, l)
		if len(set) == 0 {
			delete(e.listeners, tok)
		}
	}
}

func (e *Engine) AddRangeVersionChangeListener(tok data.RangeToken, l VersionChangeListener) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.rangeSubs[tok.Key] = append(e.rangeSubs[tok.Key], rangeSub{tok: tok, l: l})
}

func (e *Engine) RemoveRangeVersionChangeListener(tok data.RangeToken, l VersionChangeListener) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	id := tok.Id()
	subs := e.rangeSubs[tok.Key]
	for i, sub := range subs {
		if sub.l == l && sub.tok.Id() == id {
			e.rangeSubs[tok.Key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(e.rangeSubs[tok.Key]) == 0 {
		delete(e.rangeSubs, tok.Key)
	}
}

// Safe reads: each takes a read lock on the scope for the duration of
// the merge.

func (e *Engine) Browse(key string) (map[data.Value]util.Set[int64], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.locks.ReadLock(data.KeyToken(key), e.config.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.bs.browse(key, false)
}

func (e *Engine) BrowseAt(key string, timestamp uint64) (map[data.Value]util.Set[int64], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.browseAt(key, timestamp)
}

func (e *Engine) SelectRecord(record int64) (map[string]util.Set[data.Value], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.locks.ReadLock(data.RecordToken(record), e.config.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.bs.selectRecord(record, false)
}

func (e *Engine) SelectRecordAt(record int64, timestamp uint64) (map[string]util.Set[data.Value], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.selectRecordAt(record, timestamp)
}

func (e *Engine) Select(key string, record int64) (util.Set[data.Value], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.locks.ReadLock(data.FieldToken(key, record), e.config.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.bs.selectField(key, record, false)
}

func (e *Engine) SelectAt(key string, record int64, timestamp uint64) (util.Set[data.Value], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.selectFieldAt(key, record, timestamp)
}

func (e *Engine) Verify(key string, value data.Value, record int64) (bool, error) {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.locks.ReadLock(data.FieldToken(key, record), e.config.LockTimeout)
	if err != nil {
		return false, err
	}
	defer unlock()
	return e.bs.verify(key, value, record, false)
}

func (e *Engine) VerifyAt(key string, value data.Value, record int64, timestamp uint64) (bool, error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.verifyAt(key, value, record, timestamp)
}

func (e *Engine) Explore(key string, op data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.rangeLocks.ReadLock(data.NewRangeToken(key, op, values...), e.config.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.bs.explore(key, op, false, values...)
}

func (e *Engine) ExploreAt(timestamp uint64, key string, op data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.exploreAt(timestamp, key, op, values...)
}

func (e *Engine) Search(key, query string) (util.Set[int64], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.locks.ReadLock(data.KeyToken(key), e.config.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.bs.search(key, query, false)
}

func (e *Engine) Audit(record int64) (map[uint64]string, error) {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.locks.ReadLock(data.RecordToken(record), e.config.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.bs.audit(record, false)
}

func (e *Engine) AuditField(key string, record int64) (map[uint64]string, error) {
	e.transport.RLock()
	defer e.transport.RUnlock()

	unlock, err := e.locks.ReadLock(data.FieldToken(key, record), e.config.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.bs.auditField(key, record, false)
}

func (e *Engine) Version(tok data.Token) uint64 {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.version(tok)
}

// Unsafe reads skip the token locks; callers hold their own protection
// under the atomic-operation protocol.

func (e *Engine) BrowseUnsafe(key string) (map[data.Value]util.Set[int64], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.browse(key, false)
}

func (e *Engine) SelectRecordUnsafe(record int64) (map[string]util.Set[data.Value], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.selectRecord(record, false)
}

func (e *Engine) SelectUnsafe(key string, record int64) (util.Set[data.Value], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.selectField(key, record, false)
}

func (e *Engine) VerifyUnsafe(key string, value data.Value, record int64) (bool, error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.verify(key, value, record, false)
}

func (e *Engine) ExploreUnsafe(key string, op data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.explore(key, op, false, values...)
}

func (e *Engine) AuditUnsafe(record int64) (map[uint64]string, error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.audit(record, false)
}

func (e *Engine) AuditFieldUnsafe(key string, record int64) (map[uint64]string, error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.auditField(key, record, false)
}

func (e *Engine) SearchUnsafe(key, query string) (util.Set[int64], error) {
	e.transport.RLock()
	defer e.transport.RUnlock()
	return e.bs.search(key, query, false)
}

var (
	_ Compoundable   = (*Engine)(nil)
	_ Compoundable   = (*Transaction)(nil)
	_ PermanentStore = (*Database)(nil)
)
