package storage

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MattiasZurkovic/concourse/buffer"
	"github.com/MattiasZurkovic/concourse/concurrent"
	"github.com/MattiasZurkovic/concourse/data"
	"github.com/MattiasZurkovic/concourse/util"
)

type operationState uint8

const (
	stateOpen operationState = iota
	stateCommitting
	stateCommitted
	stateAborted
)

// childObserver is implemented by sources that manage listener
// registrations on behalf of nested operations and need to clean them up
// when a child finishes.
type childObserver interface {
	onChildDone(l VersionChangeListener)
}

// An AtomicOperation stages reads and writes against a source store with
// serializable isolation. Locks are acquired just in time at commit, in
// a total order; every scope the operation observes or touches is
// watched for version changes, and any change before the locks are held
// makes the commit return false.
//
// An AtomicOperation is not safe for concurrent use by multiple
// goroutines; only the version-change notifications arrive from other
// threads.
type AtomicOperation struct {
	mu         sync.Mutex
	state      operationState
	conflicted atomic.Bool

	bs     *BufferedStore
	source Compoundable

	locks      *concurrent.LockService
	rangeLocks *concurrent.RangeLockService
	timeout    time.Duration

	reads       map[data.Token]struct{}
	writes      map[data.Token]struct{}
	rangeReads  map[string]data.RangeToken
	rangeWrites map[string]data.RangeToken

	// expectations is guarded by expMu, not mu, because notification
	// routing may refresh an entry from another goroutine.
	expMu        sync.Mutex
	expectations map[data.Token]uint64

	subscribed   map[data.Token]struct{}
	subscribedRg map[string]data.RangeToken

	// self is the outermost listener identity: a Transaction embeds
	// AtomicOperation and must be the one registered with the source.
	self VersionChangeListener

	// stateErr builds the error for use-after-terminal-state; the
	// Transaction layer substitutes its own kind.
	stateErr func() error
}

func newAtomicOperation(limbo buffer.Limbo, source Compoundable, locks *concurrent.LockService, rangeLocks *concurrent.RangeLockService, timeout time.Duration) *AtomicOperation {
	op := &AtomicOperation{
		bs:           newBufferedStore(limbo, source),
		source:       source,
		locks:        locks,
		rangeLocks:   rangeLocks,
		timeout:      timeout,
		reads:        make(map[data.Token]struct{}),
		writes:       make(map[data.Token]struct{}),
		rangeReads:   make(map[string]data.RangeToken),
		rangeWrites:  make(map[string]data.RangeToken),
		expectations: make(map[data.Token]uint64),
		subscribed:   make(map[data.Token]struct{}),
		subscribedRg: make(map[string]data.RangeToken),
	}
	op.self = op
	op.stateErr = func() error { return &AtomicStateError{} }
	return op
}

// OnVersionChange marks the operation as conflicted. It may be called
// from any goroutine.
func (op *AtomicOperation) OnVersionChange(tok data.Token) {
	op.conflicted.Store(true)
}

func (op *AtomicOperation) OnRangeVersionChange(tok data.RangeToken) {
	op.conflicted.Store(true)
}

// checkState converts a conflict into an abort and rejects any use of a
// non-open operation; callers hold op.mu.
func (op *AtomicOperation) checkState() error {
	if op.conflicted.Load() && op.state == stateOpen {
		op.doAbort()
	}
	if op.state != stateOpen {
		return op.stateErr()
	}
	return nil
}

// watch subscribes the operation to version changes on tok, records the
// version it expects to still hold at commit, and notes the lock intent.
// Write intent supersedes read intent for the same token.
func (op *AtomicOperation) watch(tok data.Token, write bool) {
	if _, ok := op.subscribed[tok]; !ok {
		op.subscribed[tok] = struct{}{}
		op.expMu.Lock()
		op.expectations[tok] = op.source.Version(tok)
		op.expMu.Unlock()
		op.source.AddVersionChangeListener(tok, op.self)
	}
	if write {
		delete(op.reads, tok)
		op.writes[tok] = struct{}{}
	} else if _, isWrite := op.writes[tok]; !isWrite {
		op.reads[tok] = struct{}{}
	}
}

func (op *AtomicOperation) watchRange(tok data.RangeToken, write bool) {
	id := tok.Id()
	if _, ok := op.subscribedRg[id]; !ok {
		op.subscribedRg[id] = tok
		op.source.AddRangeVersionChangeListener(tok, op.self)
	}
	if write {
		delete(op.rangeReads, id)
		op.rangeWrites[id] = tok
	} else if _, isWrite := op.rangeWrites[id]; !isWrite {
		op.rangeReads[id] = tok
	}
}

// Add stages an ADD of value under key in record; returns false if the
// field already contains the value.
func (op *AtomicOperation) Add(key string, value data.Value, record int64) (bool, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return false, err
	}
	op.watch(data.FieldToken(key, record), true)
	op.watchRange(data.PointRangeToken(key, value), true)
	return op.bs.add(key, value, record, false, true, false)
}

// Remove stages a REMOVE of value under key in record; returns false if
// the field does not contain the value.
func (op *AtomicOperation) Remove(key string, value data.Value, record int64) (bool, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return false, err
	}
	op.watch(data.FieldToken(key, record), true)
	op.watchRange(data.PointRangeToken(key, value), true)
	return op.bs.remove(key, value, record, false, true, false)
}

// Set stages removal of every current value under key in record and an
// ADD of value, with no existence checks.
func (op *AtomicOperation) Set(key string, value data.Value, record int64) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return err
	}
	op.watch(data.FieldToken(key, record), true)

	existing, err := op.bs.selectField(key, record, true)
	if err != nil {
		return err
	}
	for v := range existing {
		op.watchRange(data.PointRangeToken(key, v), true)
		if _, err := op.bs.buffer.Insert(data.NewRemove(key, v, record), false); err != nil {
			return err
		}
	}
	op.watchRange(data.PointRangeToken(key, value), true)
	_, err = op.bs.buffer.Insert(data.NewAdd(key, value, record), false)
	return err
}

func (op *AtomicOperation) Select(key string, record int64) (util.Set[data.Value], error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.watch(data.FieldToken(key, record), false)
	return op.bs.selectField(key, record, true)
}

func (op *AtomicOperation) SelectAt(key string, record int64, timestamp uint64) (util.Set[data.Value], error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	return op.bs.selectFieldAt(key, record, timestamp)
}

func (op *AtomicOperation) SelectRecord(record int64) (map[string]util.Set[data.Value], error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.watch(data.RecordToken(record), false)
	return op.bs.selectRecord(record, true)
}

func (op *AtomicOperation) SelectRecordAt(record int64, timestamp uint64) (map[string]util.Set[data.Value], error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	return op.bs.selectRecordAt(record, timestamp)
}

func (op *AtomicOperation) Browse(key string) (map[data.Value]util.Set[int64], error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.watch(data.KeyToken(key), false)
	return op.bs.browse(key, true)
}

func (op *AtomicOperation) BrowseAt(key string, timestamp uint64) (map[data.Value]util.Set[int64], error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	return op.bs.browseAt(key, timestamp)
}

func (op *AtomicOperation) Verify(key string, value data.Value, record int64) (bool, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return false, err
	}
	op.watch(data.FieldToken(key, record), false)
	return op.bs.verify(key, value, record, true)
}

func (op *AtomicOperation) VerifyAt(key string, value data.Value, record int64, timestamp uint64) (bool, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return false, err
	}
	return op.bs.verifyAt(key, value, record, timestamp)
}

func (op *AtomicOperation) Explore(key string, operator data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.watchRange(data.NewRangeToken(key, operator, values...), false)
	return op.bs.explore(key, operator, true, values...)
}

func (op *AtomicOperation) ExploreAt(timestamp uint64, key string, operator data.Operator, values ...data.Value) (map[int64]util.Set[data.Value], error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	return op.bs.exploreAt(timestamp, key, operator, values...)
}

func (op *AtomicOperation) Search(key, query string) (util.Set[int64], error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.watch(data.KeyToken(key), false)
	return op.bs.search(key, query, true)
}

func (op *AtomicOperation) Audit(record int64) (map[uint64]string, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.watch(data.RecordToken(record), false)
	return op.bs.audit(record, true)
}

func (op *AtomicOperation) AuditField(key string, record int64) (map[uint64]string, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.watch(data.FieldToken(key, record), false)
	return op.bs.auditField(key, record, true)
}

// Version composes the staged and source views of a scope.
func (op *AtomicOperation) Version(tok data.Token) uint64 {
	return op.bs.version(tok)
}

// Commit attempts to apply the staged writes to the source atomically.
// It returns false without error when the operation lost a conflict or
// timed out acquiring locks; the caller may retry from scratch.
func (op *AtomicOperation) Commit() (bool, error) {
	return op.commit(op.plainDrain)
}

func (op *AtomicOperation) commit(drain func(descs []concurrent.LockDescription) error) (bool, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state != stateOpen {
		return false, op.stateErr()
	}
	if op.conflicted.Load() {
		op.doAbort()
		return false, nil
	}
	op.state = stateCommitting

	descs := op.lockDescriptions()
	release, err := op.grabAll(descs)
	if err != nil {
		op.doAbort()
		return false, nil
	}
	if op.invalidated() {
		release()
		op.doAbort()
		return false, nil
	}

	if err := drain(descs); err != nil {
		release()
		op.doAbort()
		return false, err
	}

	release()
	op.state = stateCommitted
	op.unsubscribe()
	if observer, ok := op.source.(childObserver); ok {
		observer.onChildDone(op.self)
	}
	return true, nil
}

func (op *AtomicOperation) plainDrain([]concurrent.LockDescription) error {
	if err := op.bs.buffer.Transport(op.source); err != nil {
		return err
	}
	return op.source.Sync()
}

// lockDescriptions resolves the recorded scopes into a deterministic
// acquisition order.
func (op *AtomicOperation) lockDescriptions() []concurrent.LockDescription {
	descs := make([]concurrent.LockDescription, 0, len(op.reads)+len(op.writes)+len(op.rangeReads)+len(op.rangeWrites))
	for tok := range op.reads {
		descs = append(descs, concurrent.DescribeLock(concurrent.ModeRead, tok))
	}
	for tok := range op.writes {
		descs = append(descs, concurrent.DescribeLock(concurrent.ModeWrite, tok))
	}
	for _, tok := range op.rangeReads {
		descs = append(descs, concurrent.DescribeRangeLock(concurrent.ModeRangeRead, tok))
	}
	for _, tok := range op.rangeWrites {
		descs = append(descs, concurrent.DescribeRangeLock(concurrent.ModeRangeWrite, tok))
	}
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].SortKey() < descs[j].SortKey()
	})
	return descs
}

func (op *AtomicOperation) grabAll(descs []concurrent.LockDescription) (func(), error) {
	unlockers := make([]concurrent.Unlocker, 0, len(descs))
	release := func() {
		for i := len(unlockers) - 1; i >= 0; i-- {
			unlockers[i]()
		}
	}
	for _, desc := range descs {
		unlock, err := desc.Acquire(op.locks, op.rangeLocks, op.timeout)
		if err != nil {
			release()
			return nil, err
		}
		unlockers = append(unlockers, unlock)
	}
	return release, nil
}

// invalidated re-checks every watched scope once the locks are held, so
// that notifications racing with commit are not lost.
func (op *AtomicOperation) invalidated() bool {
	if op.conflicted.Load() {
		return true
	}
	// A nested operation reads through its Transaction, whose versions
	// advance with the Transaction's own staged writes; its conflicts
	// arrive solely by routed notification.
	if op.locks.IsNoOp() {
		return false
	}
	op.expMu.Lock()
	defer op.expMu.Unlock()
	for tok, expected := range op.expectations {
		if op.source.Version(tok) > expected {
			return true
		}
	}
	return false
}

// refreshExpectation re-baselines a watched scope after an invalidation
// for it was handled elsewhere (routed to a nested operation).
func (op *AtomicOperation) refreshExpectation(tok data.Token) {
	op.expMu.Lock()
	defer op.expMu.Unlock()
	if _, ok := op.expectations[tok]; ok {
		op.expectations[tok] = op.source.Version(tok)
	}
}

// Abort terminates the operation, releasing its subscriptions. It is
// idempotent and safe to call in any state.
func (op *AtomicOperation) Abort() {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == stateOpen || op.state == stateCommitting {
		op.doAbort()
	}
}

// doAbort transitions to ABORTED and detaches from the source; callers
// hold op.mu.
func (op *AtomicOperation) doAbort() {
	op.state = stateAborted
	op.unsubscribe()
	if observer, ok := op.source.(childObserver); ok {
		observer.onChildDone(op.self)
	}
}

func (op *AtomicOperation) unsubscribe() {
	for tok := range op.subscribed {
		op.source.RemoveVersionChangeListener(tok, op.self)
	}
	for _, tok := range op.subscribedRg {
		op.source.RemoveRangeVersionChangeListener(tok, op.self)
	}
	op.subscribed = make(map[data.Token]struct{})
	op.subscribedRg = make(map[string]data.RangeToken)
}

// Committed reports whether the operation reached COMMITTED.
func (op *AtomicOperation) Committed() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state == stateCommitted
}

// Aborted reports whether the operation reached ABORTED.
func (op *AtomicOperation) Aborted() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.conflicted.Load() && op.state == stateOpen {
		op.doAbort()
	}
	return op.state == stateAborted
}
