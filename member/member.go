// Package member composes a core member: its persistent state, raft
// log, raft node, application pipeline, transport, catch-up and HTTP
// endpoints, started and stopped in a fixed order.
package member

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/neo4j/neo4j-sub208/backend"
	"github.com/neo4j/neo4j-sub208/catchup"
	"github.com/neo4j/neo4j-sub208/config"
	"github.com/neo4j/neo4j-sub208/pkg/fileutil"
	"github.com/neo4j/neo4j-sub208/pkg/logutil"
	"github.com/neo4j/neo4j-sub208/pkg/transportutil"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft"
	"github.com/neo4j/neo4j-sub208/rafthttp"
	"github.com/neo4j/neo4j-sub208/raftlog"
	"github.com/neo4j/neo4j-sub208/replication"
	"github.com/neo4j/neo4j-sub208/statemachine"
	"github.com/neo4j/neo4j-sub208/statestore"
)

var logger = logutil.NewPackageLogger("member")

var (
	ErrNotStarted = errors.New("member: not started")
	ErrStopped    = errors.New("member: stopped")
)

// storeNamespace derives the store id the initial members share.
var storeNamespace = uuid.MustParse("3c1f4a52-8e0b-4d57-9a3e-0c6f2b7d9e41")

// Option customizes a Member.
type Option func(*Member)

// WithTransactionApplier applies transaction operations with ta.
func WithTransactionApplier(ta statemachine.TransactionApplier) Option {
	return func(m *Member) { m.txApplier = ta }
}

// WithListener serves on ln instead of listening on
// member.listen_address.
func WithListener(ln net.Listener) Option {
	return func(m *Member) { m.ln = ln }
}

// WithMmapSize sets the initial mmap size of the store.
func WithMmapSize(n int64) Option {
	return func(m *Member) { m.mmapSize = n }
}

// component is one step of the lifecycle. Components start in order
// and stop in reverse order.
type component struct {
	name  string
	start func() error
	stop  func()
}

// Member is one core member.
type Member struct {
	cfg       config.Config
	txApplier statemachine.TransactionApplier
	mmapSize  int64

	id           types.MemberID
	clusterState *statestore.ClusterState
	log          *raftlog.Log
	strategy     raftlog.PruningStrategy
	app          *statemachine.ApplicationProcess
	transport    *rafthttp.Transport
	node         raft.Node
	replicator   *replication.Replicator
	catchup      *catchup.Process

	ln  net.Listener
	srv *http.Server

	lifecycle []component

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	catchingUp atomic.Bool

	mu      sync.Mutex
	started int // number of started components
	running bool
	stopped bool
}

// New returns a Member for cfg. Nothing is opened until Start.
func New(cfg config.Config, opts ...Option) (*Member, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := raftlog.ParsePruningStrategy(cfg.Raft.LogPruningStrategy)
	if err != nil {
		return nil, err
	}

	m := &Member{cfg: cfg, strategy: strategy}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.lifecycle = []component{
		{"cluster state", m.openClusterState, func() {}},
		{"raft log", m.openLog, m.closeLog},
		{"store", m.openStore, m.closeStore},
		{"application", m.startApplication, m.stopApplication},
		{"transport", m.startTransport, m.stopTransport},
		{"raft", m.startRaft, m.stopRaft},
		{"loops", m.startLoops, m.stopLoops},
		{"http", m.startHTTP, m.stopHTTP},
	}
	return m, nil
}

func (m *Member) clusterStateDir() string {
	return filepath.Join(m.cfg.Member.DataDir, "cluster-state")
}

func (m *Member) storePath() string {
	return filepath.Join(m.cfg.Member.DataDir, "store", "state.db")
}

// Start starts every component in order. If one fails, the ones
// already started are stopped. Start may be called once.
func (m *Member) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.running {
		return nil
	}
	for _, c := range m.lifecycle {
		if err := c.start(); err != nil {
			logger.Errorf("failed to start %s (%v)", c.name, err)
			m.stopLocked()
			return fmt.Errorf("member: starting %s: %w", c.name, err)
		}
		m.started++
		logger.Debugf("started %s", c.name)
	}
	m.running = true
	logger.Infof("started member %s [cluster=%x | url=%s]", m.id, m.cfg.Cluster.ClusterID, m.cfg.Member.AdvertiseURL)
	return nil
}

// Stop stops the started components in reverse order. It is safe to
// call more than once.
func (m *Member) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Member) stopLocked() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.running = false
	m.cancel()
	for i := m.started - 1; i >= 0; i-- {
		c := m.lifecycle[i]
		c.stop()
		logger.Debugf("stopped %s", c.name)
	}
	m.started = 0
	logger.Infof("stopped member %s", m.id)
}

// ID returns the member id. It is set once Start has opened the
// cluster state.
func (m *Member) ID() types.MemberID { return m.id }

func (m *Member) openClusterState() error {
	cs, err := statestore.OpenClusterState(m.clusterStateDir())
	if err != nil {
		return err
	}
	var configured types.MemberID
	if m.cfg.Member.ID != "" {
		configured = types.MustParseMemberID(m.cfg.Member.ID)
	}
	id, err := cs.MemberID(configured)
	if err != nil {
		return err
	}
	m.clusterState, m.id = cs, id
	return nil
}

func (m *Member) openLog() error {
	l, err := raftlog.Open(filepath.Join(m.clusterStateDir(), "raft-log"), raftlog.Config{RotationSize: int64(m.cfg.Raft.LogRotationSize)})
	if err != nil {
		return err
	}
	m.log = l
	return nil
}

func (m *Member) closeLog() {
	if err := m.log.Close(); err != nil {
		logger.Warningf("failed to close raft log (%v)", err)
	}
}

func (m *Member) backendConfig() backend.Config {
	bcfg := backend.DefaultConfig(m.storePath())
	bcfg.MmapSize = m.mmapSize
	return bcfg
}

// openStore opens the store. On first start an initial member gives it
// the store id every initial member derives from the cluster id; any
// other member starts without one and copies a peer's store.
func (m *Member) openStore() error {
	dir := filepath.Dir(m.storePath())
	if err := fileutil.MkdirAll(dir); err != nil {
		return err
	}
	if err := catchup.CleanStaged(dir); err != nil {
		return err
	}
	be, err := backend.Open(m.backendConfig())
	if err != nil {
		return err
	}

	fresh := m.log.LastIndex() == 0 && m.log.PrevIndex() == 0
	if fresh && m.cfg.MemberIDs().Contains(m.id) {
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, m.cfg.Cluster.ClusterID)
		id, err := backend.InitStoreID(be, uuid.NewSHA1(storeNamespace, b))
		if err != nil {
			be.Close()
			return err
		}
		logger.Infof("store id is %s", id)
	}
	m.app = statemachine.NewApplicationProcess(statemachine.Config{
		FlushWindow: m.cfg.StateMachine.FlushWindow,
		MaxBatch:    m.cfg.StateMachine.ApplyMaxBatch,
	}, m.log, statemachine.NewCoreStateMachines(be, m.txApplier), m.clusterState)
	return nil
}

// closeStore closes the live store, which a store copy may have
// replaced.
func (m *Member) closeStore() {
	if err := m.app.Store().Close(); err != nil {
		logger.Warningf("failed to close store (%v)", err)
	}
}

func (m *Member) startApplication() error { return m.app.Start() }

func (m *Member) stopApplication() { m.app.Stop() }

func (m *Member) startTransport() error {
	m.transport = &rafthttp.Transport{
		From:      m.id,
		ClusterID: m.cfg.Cluster.ClusterID,
		URLs:      types.MustNewURLs([]string{m.cfg.Member.AdvertiseURL}),
		QueueSize: m.cfg.Raft.OutgoingQueueSize,
		Workers:   m.cfg.Raft.IOWorkers,
	}
	if err := m.transport.Start(); err != nil {
		return err
	}
	for _, p := range m.cfg.Cluster.Members {
		id := types.MustParseMemberID(p.ID)
		if err := m.transport.AddPeer(id, []string{p.URL}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Member) stopTransport() { m.transport.Stop() }

func (m *Member) raftConfig() raft.ClusterConfig {
	r := m.cfg.Raft
	return raft.ClusterConfig{
		ID:                  m.id,
		Members:             m.cfg.MemberIDs(),
		ElectionTickNum:     r.ElectionTicks(),
		HeartbeatTickNum:    r.HeartbeatTicks(),
		CheckQuorum:         r.CheckQuorum,
		MaxAppendEntries:    r.MaxAppendEntries,
		MaxAppendSize:       uint64(r.MaxAppendSize),
		MaxInflight:         r.MaxInflight,
		CatchupGapThreshold: r.CatchupGapThreshold,
	}
}

func (m *Member) startRaft() error {
	node, err := raft.StartNode(m.raftConfig(), m.log, m.clusterState, m.transport)
	if err != nil {
		return err
	}
	m.node = node
	m.transport.Raft = node

	rc := m.cfg.Replication
	m.replicator = replication.New(replication.Config{
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
	}, m.id, node, m.app)

	cc := m.cfg.CatchUp
	m.catchup = catchup.NewProcess(catchup.Config{
		Backend:    m.backendConfig(),
		BatchSize:  cc.BatchSize,
		MaxBackoff: cc.MaxBackoff,
	}, &catchup.Client{
		ClusterID:         m.cfg.Cluster.ClusterID,
		InactivityTimeout: cc.InactivityTimeout,
		HTTPClient: &http.Client{
			Transport: transportutil.NewTransport(transportutil.Config{DialTimeout: rafthttp.DialTimeout}),
		},
	}, node, m.app, m.transport)
	return nil
}

func (m *Member) stopRaft() { m.node.Stop() }

func (m *Member) startHTTP() error {
	if m.ln == nil {
		ln, err := transportutil.NewListener(m.cfg.Member.ListenAddress)
		if err != nil {
			return err
		}
		m.ln = ln
	}
	m.srv = &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	ln := m.ln
	go func() {
		if err := m.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server on %s stopped (%v)", ln.Addr(), err)
		}
	}()
	logger.Infof("serving on %s", ln.Addr())
	return nil
}

func (m *Member) stopHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.srv.Close()
	}
}

// Replicate replicates one operation and returns its result once it
// has been applied on this member.
func (m *Member) Replicate(ctx context.Context, kind statemachine.Kind, payload []byte) (statemachine.Result, error) {
	if err := m.check(); err != nil {
		return statemachine.Result{}, err
	}
	return m.replicator.Replicate(ctx, kind, payload)
}

// AddMember makes id, reachable at peerURL, a voting member. It must be
// called on the leader.
func (m *Member) AddMember(ctx context.Context, id types.MemberID, peerURL string) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.transport.AddPeer(id, []string{peerURL}); err != nil {
		return err
	}
	st := m.node.Status()
	if st.Members.Contains(id) {
		return nil
	}
	members := append(append(types.MemberIDs(nil), st.Members...), id)
	return m.node.ProposeMembership(ctx, members)
}

// RemoveMember removes id from the voting members. It must be called
// on the leader.
func (m *Member) RemoveMember(ctx context.Context, id types.MemberID) error {
	if err := m.check(); err != nil {
		return err
	}
	st := m.node.Status()
	var members types.MemberIDs
	for _, mid := range st.Members {
		if mid != id {
			members = append(members, mid)
		}
	}
	if len(members) == len(st.Members) {
		return nil
	}
	return m.node.ProposeMembership(ctx, members)
}

// Status returns the raft status.
func (m *Member) Status() raft.Status {
	if m.check() != nil {
		return raft.Status{}
	}
	return m.node.Status()
}

// StateMachines returns the replicated state machines.
func (m *Member) StateMachines() *statemachine.CoreStateMachines { return m.app.StateMachines() }

func (m *Member) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.stopped:
		return ErrStopped
	case !m.running:
		return ErrNotStarted
	}
	return nil
}

// Store, Log and CommitIndex serve catch-up requests from peers.
func (m *Member) Store() backend.Backend { return m.app.Store() }
func (m *Member) Log() raft.ReadableLog  { return m.log }
func (m *Member) CommitIndex() uint64    { return m.node.Status().Commit }

// Members returns the committed voting membership.
func (m *Member) Members() types.MemberIDs { return m.node.Status().Members }
