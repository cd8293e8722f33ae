package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MattiasZurkovic/concourse/concurrent"
	"github.com/MattiasZurkovic/concourse/data"
	"github.com/MattiasZurkovic/concourse/util"
	"github.com/stretchr/testify/require"
)

func backupFiles(t *testing.T, e *Engine) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(e.transactionStore(), "*"+backupExt))
	require.NoError(t, err)
	return files
}

func TestTransactionCommit(t *testing.T) {
	runEngineTest(t, func(t *testing.T, e *Engine) {
		txn := e.StartTransaction()
		require.NotEmpty(t, txn.Id())

		ok, err := txn.Add("name", data.NewString("alice"), 1)
		require.NoError(t, err)
		require.True(t, ok)

		values, err := txn.Select("name", 1)
		require.NoError(t, err)
		require.Equal(t, util.NewSet(data.NewString("alice")), values)

		committed, err := txn.Commit()
		require.NoError(t, err)
		require.True(t, committed)

		values, err = e.Select("name", 1)
		require.NoError(t, err)
		require.Equal(t, util.NewSet(data.NewString("alice")), values)

		// the backup is deleted once the commit lands
		require.Empty(t, backupFiles(t, e))
	})
}

func TestTransactionRejectsUseAfterTerminal(t *testing.T) {
	runEngineTest(t, func(t *testing.T, e *Engine) {
		txn := e.StartTransaction()
		_, err := txn.Add("name", data.NewString("alice"), 1)
		require.NoError(t, err)

		committed, err := txn.Commit()
		require.NoError(t, err)
		require.True(t, committed)

		var stateErr *TransactionStateError
		_, err = txn.Add("name", data.NewString("bob"), 1)
		require.ErrorAs(t, err, &stateErr)
		_, err = txn.Commit()
		require.ErrorAs(t, err, &stateErr)
		_, err = txn.StartAtomicOperation()
		require.ErrorAs(t, err, &stateErr)
	})
}

func TestTransactionConflict(t *testing.T) {
	runEngineTest(t, func(t *testing.T, e *Engine) {
		txn := e.StartTransaction()
		_, err := txn.Select("name", 1)
		require.NoError(t, err)

		_, err = e.Add("name", data.NewString("dave"), 1)
		require.NoError(t, err)

		committed, err := txn.Commit()
		require.NoError(t, err)
		require.False(t, committed)
		require.True(t, txn.Aborted())
	})
}

func TestReadOnlyTransactionCommitsWithoutBackup(t *testing.T) {
	runEngineTest(t, func(t *testing.T, e *Engine) {
		_, err := e.Add("name", data.NewString("alice"), 1)
		require.NoError(t, err)

		txn := e.StartTransaction()
		values, err := txn.Select("name", 1)
		require.NoError(t, err)
		require.Equal(t, util.NewSet(data.NewString("alice")), values)

		committed, err := txn.Commit()
		require.NoError(t, err)
		require.True(t, committed)
		require.Empty(t, backupFiles(t, e))
	})
}

func TestTransactionVersionComposes(t *testing.T) {
	runEngineTest(t, func(t *testing.T, e *Engine) {
		tok := data.FieldToken("name", 1)

		_, err := e.Add("name", data.NewString("alice"), 1)
		require.NoError(t, err)
		engineVersion := e.Version(tok)

		txn := e.StartTransaction()
		require.Equal(t, engineVersion, txn.Version(tok))

		_, err = txn.Add("name", data.NewString("bob"), 1)
		require.NoError(t, err)
		require.Greater(t, txn.Version(tok), engineVersion)
		// the staged write is invisible to the engine's version
		require.Equal(t, engineVersion, e.Version(tok))
	})
}

func TestTransactionAcceptRejectsCompare(t *testing.T) {
	runEngineTest(t, func(t *testing.T, e *Engine) {
		txn := e.StartTransaction()
		err := txn.Accept(data.NewCompare("name", data.NewString("x"), 1), false)
		require.ErrorIs(t, err, ErrCompareWrite)
	})
}

func TestNestedAtomicOperation(t *testing.T) {
	runEngineTest(t, func(t *testing.T, e *Engine) {
		txn := e.StartTransaction()
		child, err := txn.StartAtomicOperation()
		require.NoError(t, err)

		ok, err := child.Add("name", data.NewString("alice"), 1)
		require.NoError(t, err)
		require.True(t, ok)

		committed, err := child.Commit()
		require.NoError(t, err)
		require.True(t, committed)

		// the child's writes landed in the transaction, not the engine
		values, err := txn.Select("name", 1)
		require.NoError(t, err)
		require.Equal(t, util.NewSet(data.NewString("alice")), values)

		values, err = e.Select("name", 1)
		require.NoError(t, err)
		require.True(t, values.Empty())

		committed, err = txn.Commit()
		require.NoError(t, err)
		require.True(t, committed)

		values, err = e.Select("name", 1)
		require.NoError(t, err)
		require.Equal(t, util.NewSet(data.NewString("alice")), values)
	})
}

func TestNestedSiblingsDoNotDeadlock(t *testing.T) {
	runEngineTest(t, func(t *testing.T, e *Engine) {
		txn := e.StartTransaction()

		first, err := txn.StartAtomicOperation()
		require.NoError(t, err)
		second, err := txn.StartAtomicOperation()
		require.NoError(t, err)

		// both children touch the same field; locks are noOp so neither
		// blocks, and serialization falls to the transaction
		_, err = first.Add("name", data.NewString("alice"), 1)
		require.NoError(t, err)
		_, err = second.Add("name", data.NewString("bob"), 1)
		require.NoError(t, err)

		committed, err := first.Commit()
		require.NoError(t, err)
		require.True(t, committed)
		committed, err = second.Commit()
		require.NoError(t, err)
		require.True(t, committed)

		values, err := txn.Select("name", 1)
		require.NoError(t, err)
		require.Equal(t, util.NewSet(data.NewString("alice"), data.NewString("bob")), values)
	})
}

func TestTransactionRoutesInvalidationToChild(t *testing.T) {
	runEngineTest(t, func(t *testing.T, e *Engine) {
		txn := e.StartTransaction()
		child, err := txn.StartAtomicOperation()
		require.NoError(t, err)

		_, err = child.Select("name", 1)
		require.NoError(t, err)

		// the engine-side write invalidates the child, which read the
		// scope, but not the transaction itself
		_, err = e.Add("name", data.NewString("dave"), 1)
		require.NoError(t, err)

		committed, err := child.Commit()
		require.NoError(t, err)
		require.False(t, committed)

		committed, err = txn.Commit()
		require.NoError(t, err)
		require.True(t, committed)
	})
}

func TestBackupRoundTrip(t *testing.T) {
	descs := []concurrent.LockDescription{
		concurrent.DescribeLock(concurrent.ModeWrite, data.FieldToken("name", 1)),
		concurrent.DescribeLock(concurrent.ModeRead, data.RecordToken(2)),
		concurrent.DescribeRangeLock(concurrent.ModeRangeWrite, data.PointRangeToken("name", data.NewString("alice"))),
	}
	writes := []*data.Write{
		data.NewAdd("name", data.NewString("alice"), 1),
		data.NewRemove("name", data.NewString("bob"), 1),
	}

	decodedDescs, decodedWrites, err := deserializeBackup(serializeBackup(descs, writes))
	require.NoError(t, err)

	require.Len(t, decodedDescs, len(descs))
	for i := range descs {
		require.Equal(t, descs[i].Encode(), decodedDescs[i].Encode())
	}
	require.Equal(t, writes, decodedWrites)
}

func TestDeserializeBackupErrors(t *testing.T) {
	_, _, err := deserializeBackup(nil)
	require.Error(t, err)

	_, _, err = deserializeBackup([]byte{0, 0, 0, 99, 1, 2})
	require.Error(t, err)

	valid := serializeBackup(nil, []*data.Write{data.NewAdd("k", data.NewLong(1), 1)})
	_, _, err = deserializeBackup(valid[:len(valid)-3])
	require.Error(t, err)
}

func TestCrashRecoveryReplaysBackup(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, WithTransportInterval(25*time.Millisecond))
	require.NoError(t, err)
	txnDir := e.transactionStore()
	require.NoError(t, e.Close())

	// a crash after fsync but before cleanup leaves the backup behind
	w := data.NewAdd("name", data.NewString("alice"), 1)
	blob := serializeBackup([]concurrent.LockDescription{
		concurrent.DescribeLock(concurrent.ModeWrite, data.FieldToken("name", 1)),
	}, []*data.Write{w})
	path := filepath.Join(txnDir, "1234567890.txn")
	require.NoError(t, os.WriteFile(path, blob, 0644))

	e, err = Open(dir, WithTransportInterval(25*time.Millisecond))
	require.NoError(t, err)
	defer e.Close()

	values, err := e.Select("name", 1)
	require.NoError(t, err)
	require.Equal(t, util.NewSet(data.NewString("alice")), values)
	require.Empty(t, backupFiles(t, e))
}

func TestCorruptBackupIsDiscarded(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir)
	require.NoError(t, err)
	txnDir := e.transactionStore()
	require.NoError(t, e.Close())

	path := filepath.Join(txnDir, "9999.txn")
	require.NoError(t, os.WriteFile(path, []byte("not a backup"), 0644))

	e, err = Open(dir)
	require.NoError(t, err)
	defer e.Close()

	// nothing leaked into the store and the file is gone
	values, err := e.Select("name", 1)
	require.NoError(t, err)
	require.True(t, values.Empty())
	require.Empty(t, backupFiles(t, e))
}

func TestTransactionAbortDiscardsWrites(t *testing.T) {
	runEngineTest(t, func(t *testing.T, e *Engine) {
		txn := e.StartTransaction()
		_, err := txn.Add("name", data.NewString("alice"), 1)
		require.NoError(t, err)

		txn.Abort()
		txn.Abort()
		require.True(t, txn.Aborted())

		values, err := e.Select("name", 1)
		require.NoError(t, err)
		require.True(t, values.Empty())
		require.Empty(t, backupFiles(t, e))
	})
}
