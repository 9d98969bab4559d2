package statemachine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub208/backend"
	"github.com/neo4j/neo4j-sub208/raft"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
	"github.com/neo4j/neo4j-sub208/statestore"
)

type testProcess struct {
	p  *ApplicationProcess
	sm *CoreStateMachines
	be backend.Backend
	cs *statestore.ClusterState
}

func startTestProcess(t *testing.T, dbPath, stateDir string, log raft.ReadableLog, cfg Config) *testProcess {
	be := openTestBackend(t, dbPath)
	cs, err := statestore.OpenClusterState(stateDir)
	require.NoError(t, err)

	sm := NewCoreStateMachines(be, nil)
	p := NewApplicationProcess(cfg, log, sm, cs)
	require.NoError(t, p.Start())
	return &testProcess{p: p, sm: sm, be: be, cs: cs}
}

func (tp *testProcess) stop() {
	tp.p.Stop()
	tp.sm.Backend().Close()
}

func waitApplied(t *testing.T, ch <-chan Applied) Applied {
	select {
	case out, ok := <-ch:
		require.True(t, ok, "waiter canceled")
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("took too long to apply")
	}
	return Applied{}
}

func waitIndex(t *testing.T, p *ApplicationProcess, index uint64) {
	require.Eventually(t, func() bool { return p.Applied() >= index }, 5*time.Second, time.Millisecond)
}

func TestProcessAppliesInOrder(t *testing.T) {
	dir := t.TempDir()
	log := raft.NewMemoryLog()
	tp := startTestProcess(t, filepath.Join(dir, "state.db"), filepath.Join(dir, "cluster-state"), log, Config{FlushWindow: 4, MaxBatch: 3})
	defer tp.stop()

	m := newOpMaker()
	var waits []<-chan Applied
	require.NoError(t, log.Append(raftpb.Entry{Index: 1, Term: 1, Type: raftpb.ENTRY_TYPE_NO_OP}))
	for i := uint64(2); i <= 10; i++ {
		op := m.next(0, KindIDAllocation, IDAllocation{IDType: 7, Size: 10}.Marshal())
		waits = append(waits, tp.p.Register(op.OperationID))
		require.NoError(t, log.Append(entryOf(i, 1, op)))
	}

	// only committed entries are applied
	tp.p.NotifyCommit(4)
	waitIndex(t, tp.p, 4)
	require.Equal(t, uint64(4), tp.p.Applied())
	require.Eventually(t, func() bool { return tp.p.LastFlushed() == 4 }, 5*time.Second, time.Millisecond)

	tp.p.NotifyCommit(10)
	for i, ch := range waits {
		out := waitApplied(t, ch)
		require.NoError(t, out.Err)
		require.Equal(t, uint64(i*10), out.Result.Value)
	}
	waitIndex(t, tp.p, 10)
	require.Equal(t, uint64(90), tp.sm.NextID(7))

	require.Eventually(t, func() bool { return tp.p.LastFlushed() == 10 }, 5*time.Second, time.Millisecond)
	as, err := tp.cs.LoadApplyState()
	require.NoError(t, err)
	require.Equal(t, uint64(10), as.LastApplied)
}

func TestProcessStopCheckpoints(t *testing.T) {
	dir := t.TempDir()
	log := raft.NewMemoryLog()
	tp := startTestProcess(t, filepath.Join(dir, "state.db"), filepath.Join(dir, "cluster-state"), log, Config{FlushWindow: 100, MaxBatch: 16})

	m := newOpMaker()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, log.Append(entryOf(i, 1, m.next(0, KindDummy, nil))))
	}
	tp.p.NotifyCommit(5)
	waitIndex(t, tp.p, 5)
	require.Equal(t, uint64(0), tp.p.LastFlushed())

	tp.stop()
	tp.p.Stop()

	as, err := tp.cs.LoadApplyState()
	require.NoError(t, err)
	require.Equal(t, uint64(5), as.LastApplied)

	require.ErrorIs(t, tp.p.Flush(context.Background()), ErrStopped)
}

// A member crashes after applying an operation but before the apply
// state checkpoint. On restart the operation is replayed from the log
// and must take effect exactly once.
func TestProcessExactlyOnceAcrossCrash(t *testing.T) {
	for _, committed := range []bool{false, true} {
		name := "store-not-committed"
		if committed {
			name = "store-committed"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			dbPath := filepath.Join(dir, "state.db")
			stateDir := filepath.Join(dir, "cluster-state")
			log := raft.NewMemoryLog()
			tp := startTestProcess(t, dbPath, stateDir, log, Config{FlushWindow: 1000, MaxBatch: 16})

			m := newOpMaker()
			x := m.next(1, KindTransaction, []byte("X"))
			x.Sequence = 7

			// seed session 1 up to sequence 6
			for seq := uint64(0); seq < 7; seq++ {
				op := x
				op.Kind, op.Sequence, op.Payload = KindDummy, seq, nil
				require.NoError(t, log.Append(entryOf(seq+1, 1, op)))
			}
			require.NoError(t, log.Append(entryOf(8, 1, x)))

			ch := tp.p.Register(x.OperationID)
			tp.p.NotifyCommit(8)
			out := waitApplied(t, ch)
			require.NoError(t, out.Err)
			require.Equal(t, uint64(1), tp.sm.TransactionCount())
			require.Equal(t, uint64(0), tp.p.LastFlushed())

			if committed {
				tp.be.ForceCommit()
			}
			// the process dies here: copy the files as they are on disk
			crashDir := t.TempDir()
			copyFile(t, dbPath, filepath.Join(crashDir, "state.db"))
			copyDir(t, stateDir, filepath.Join(crashDir, "cluster-state"))
			tp.stop()

			restarted := startTestProcess(t, filepath.Join(crashDir, "state.db"), filepath.Join(crashDir, "cluster-state"), log, Config{FlushWindow: 1000, MaxBatch: 16})
			defer restarted.stop()
			require.Equal(t, uint64(0), restarted.p.LastFlushed())

			restarted.p.NotifyCommit(8)
			waitIndex(t, restarted.p, 8)
			require.Equal(t, uint64(1), restarted.sm.TransactionCount())

			// the client retried X after a leader change; it was committed again
			require.NoError(t, log.Append(entryOf(9, 2, x)))
			dup := restarted.p.Register(x.OperationID)
			restarted.p.NotifyCommit(9)

			out = waitApplied(t, dup)
			require.NoError(t, out.Err)
			require.True(t, out.Duplicate)
			waitIndex(t, restarted.p, 9)
			require.Equal(t, uint64(1), restarted.sm.TransactionCount())
		})
	}
}

func copyFile(t *testing.T, from, to string) {
	b, err := os.ReadFile(from)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(to), 0700))
	require.NoError(t, os.WriteFile(to, b, 0600))
}

func copyDir(t *testing.T, from, to string) {
	require.NoError(t, filepath.Walk(from, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(filepath.Join(to, rel), 0700)
		}
		copyFile(t, path, filepath.Join(to, rel))
		return nil
	}))
}

func TestProcessHaltsOnMalformedEntry(t *testing.T) {
	dir := t.TempDir()
	log := raft.NewMemoryLog()
	tp := startTestProcess(t, filepath.Join(dir, "state.db"), filepath.Join(dir, "cluster-state"), log, Config{FlushWindow: 10, MaxBatch: 10})
	defer tp.stop()

	m := newOpMaker()
	good := m.next(0, KindDummy, nil)
	pending := m.next(1, KindDummy, nil)
	ch := tp.p.Register(pending.OperationID)

	require.NoError(t, log.Append(
		entryOf(1, 1, good),
		raftpb.Entry{Index: 2, Term: 1, Type: raftpb.ENTRY_TYPE_NORMAL, Data: []byte("not an operation")},
		entryOf(3, 1, pending),
	))
	tp.p.NotifyCommit(3)

	select {
	case <-tp.p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not halt")
	}
	require.ErrorIs(t, tp.p.Err(), ErrApplyFailed)

	out := waitApplied(t, ch)
	require.ErrorIs(t, out.Err, ErrApplyFailed)

	// nothing of the failed batch is applied past the bad entry
	require.Equal(t, uint64(0), tp.p.Applied())
}

func TestProcessCancelLeavesOperation(t *testing.T) {
	dir := t.TempDir()
	log := raft.NewMemoryLog()
	tp := startTestProcess(t, filepath.Join(dir, "state.db"), filepath.Join(dir, "cluster-state"), log, Config{FlushWindow: 10, MaxBatch: 10})
	defer tp.stop()

	m := newOpMaker()
	op := m.next(0, KindTransaction, []byte("t"))
	ch := tp.p.Register(op.OperationID)
	tp.p.Cancel(op.OperationID)
	_, ok := <-ch
	require.False(t, ok)

	require.NoError(t, log.Append(entryOf(1, 1, op)))
	tp.p.NotifyCommit(1)
	waitIndex(t, tp.p, 1)
	require.Equal(t, uint64(1), tp.sm.TransactionCount())
}

func TestProcessSwapStore(t *testing.T) {
	dir := t.TempDir()

	// the source store: 20 entries applied elsewhere
	src := openTestBackend(t, filepath.Join(dir, "src.db"))
	srcSM := NewCoreStateMachines(src, nil)
	m := newOpMaker()
	for i := uint64(1); i <= 20; i++ {
		applyOne(t, srcSM, entryOf(i, 3, m.next(0, KindTransaction, []byte{byte(i)})))
	}
	snap := src.Snapshot()
	f, err := os.Create(filepath.Join(dir, "copy.db"))
	require.NoError(t, err)
	_, err = snap.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, snap.Close())
	require.NoError(t, src.Close())

	log := raft.NewMemoryLog()
	tp := startTestProcess(t, filepath.Join(dir, "state.db"), filepath.Join(dir, "cluster-state"), log, Config{FlushWindow: 10, MaxBatch: 10})
	defer tp.stop()

	err = tp.p.SwapStore(context.Background(), func(old backend.Backend) (backend.Backend, error) {
		if err := old.Close(); err != nil {
			return nil, err
		}
		return backend.Open(backend.Config{Path: filepath.Join(dir, "copy.db"), BatchInterval: time.Hour, MmapSize: 1 << 20})
	})
	require.NoError(t, err)
	require.Equal(t, uint64(20), tp.p.Applied())
	require.Equal(t, uint64(20), tp.p.LastFlushed())
	require.Equal(t, uint64(20), tp.sm.TransactionCount())

	as, err := tp.cs.LoadApplyState()
	require.NoError(t, err)
	require.Equal(t, uint64(20), as.LastApplied)

	// a failed swap halts the process
	err = tp.p.SwapStore(context.Background(), func(backend.Backend) (backend.Backend, error) {
		return nil, errors.New("disk gone")
	})
	require.ErrorIs(t, err, ErrApplyFailed)
	<-tp.p.Done()
	require.ErrorIs(t, tp.p.Err(), ErrApplyFailed)
}
