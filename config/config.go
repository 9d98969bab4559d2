// Package config loads the YAML configuration of a core member.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neo4j/neo4j-sub208/pkg/logutil"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raftlog"
)

// Config is the configuration of a core member.
type Config struct {
	Member       MemberConfig       `yaml:"member"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Raft         RaftConfig         `yaml:"raft"`
	StateMachine StateMachineConfig `yaml:"state_machine"`
	Replication  ReplicationConfig  `yaml:"replication"`
	CatchUp      CatchUpConfig      `yaml:"catchup"`
	Log          LogConfig          `yaml:"log"`
}

type MemberConfig struct {
	// ID is optional; a member without one generates an id on first
	// start and keeps it in its data directory.
	ID            string `yaml:"id"`
	DataDir       string `yaml:"data_dir"`
	ListenAddress string `yaml:"listen_address"`
	AdvertiseURL  string `yaml:"advertise_url"`
}

type ClusterConfig struct {
	// ClusterID must be the same on every member; messages from another
	// cluster are rejected.
	ClusterID uint64 `yaml:"cluster_id"`

	// ExpectedSize is the number of initial members. 0 means the length
	// of Members.
	ExpectedSize int `yaml:"expected_size"`

	// Members is the initial voting membership.
	Members []PeerConfig `yaml:"members"`
}

type PeerConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

type RaftConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	ElectionTimeout     time.Duration `yaml:"election_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	CheckQuorum         bool          `yaml:"check_quorum"`
	MaxAppendEntries    uint64        `yaml:"max_append_entries"`
	MaxAppendSize       ByteSize      `yaml:"max_append_size"`
	MaxInflight         int           `yaml:"max_inflight"`
	LogRotationSize     ByteSize      `yaml:"log_rotation_size"`
	LogPruningStrategy  string        `yaml:"log_pruning_strategy"`
	LogPruningFrequency time.Duration `yaml:"log_pruning_frequency"`
	CatchupGapThreshold uint64        `yaml:"catchup_gap_threshold"`
	OutgoingQueueSize   int           `yaml:"outgoing_queue_size"`
	IOWorkers           int           `yaml:"io_workers"`
}

type StateMachineConfig struct {
	// FlushWindow is the number of entries applied between checkpoints
	// of the applied index.
	FlushWindow   uint64 `yaml:"flush_window"`
	ApplyMaxBatch uint64 `yaml:"apply_max_batch"`
}

type ReplicationConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type CatchUpConfig struct {
	BatchSize         uint64        `yaml:"batch_size"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// ByteSize is a size in bytes, written as "250M", "64k" or "1024".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := raftlog.ParseSize(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return strconv.FormatInt(int64(b), 10), nil
}

// Default returns the configuration of a single member listening on
// 127.0.0.1:7000.
func Default() Config {
	return Config{
		Member: MemberConfig{
			DataDir:       "./data",
			ListenAddress: "127.0.0.1:7000",
			AdvertiseURL:  "http://127.0.0.1:7000",
		},
		Cluster: ClusterConfig{ClusterID: 1},
		Raft: RaftConfig{
			TickInterval:        50 * time.Millisecond,
			ElectionTimeout:     500 * time.Millisecond,
			HeartbeatInterval:   50 * time.Millisecond,
			CheckQuorum:         true,
			MaxAppendEntries:    64,
			MaxAppendSize:       1 << 20,
			MaxInflight:         256,
			LogRotationSize:     250 << 20,
			LogPruningStrategy:  "1g size",
			LogPruningFrequency: 10 * time.Minute,
			CatchupGapThreshold: 10000,
			OutgoingQueueSize:   64,
			IOWorkers:           2,
		},
		StateMachine: StateMachineConfig{FlushWindow: 100, ApplyMaxBatch: 16},
		Replication: ReplicationConfig{
			MaxAttempts:    10,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		CatchUp: CatchUpConfig{
			BatchSize:         64,
			InactivityTimeout: 10 * time.Second,
			MaxBackoff:        5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults and validates
// the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Read is like Load but does not validate, so the caller can override
// fields first.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ParseMembers parses a comma separated list of id=url pairs.
func ParseMembers(s string) ([]PeerConfig, error) {
	var ms []PeerConfig
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, u, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid member %q, want id=url", pair)
		}
		ms = append(ms, PeerConfig{ID: id, URL: u})
	}
	if len(ms) == 0 {
		return nil, errors.New("no members")
	}
	return ms, nil
}

// Validate checks the configuration. Every option only tunes timing or
// throughput, but nonsensical values are rejected here rather than at
// start.
func (c *Config) Validate() error {
	if c.Member.DataDir == "" {
		return errors.New("member.data_dir is required")
	}
	if c.Member.ListenAddress == "" {
		return errors.New("member.listen_address is required")
	}
	if _, err := types.NewURL(c.Member.AdvertiseURL); err != nil {
		return fmt.Errorf("member.advertise_url: %w", err)
	}
	var self types.MemberID
	if c.Member.ID != "" {
		id, err := types.ParseMemberID(c.Member.ID)
		if err != nil {
			return fmt.Errorf("member.id: %w", err)
		}
		self = id
	}

	if err := c.validateMembers(self); err != nil {
		return err
	}

	r := c.Raft
	switch {
	case r.TickInterval <= 0:
		return errors.New("raft.tick_interval must be greater than 0")
	case r.HeartbeatInterval < r.TickInterval:
		return fmt.Errorf("raft.heartbeat_interval (%v) must be at least raft.tick_interval (%v)", r.HeartbeatInterval, r.TickInterval)
	case r.ElectionTimeout <= r.HeartbeatInterval:
		return fmt.Errorf("raft.election_timeout (%v) must be greater than raft.heartbeat_interval (%v)", r.ElectionTimeout, r.HeartbeatInterval)
	case r.MaxAppendEntries == 0:
		return errors.New("raft.max_append_entries must be greater than 0")
	case r.MaxInflight <= 0:
		return errors.New("raft.max_inflight must be greater than 0")
	case r.LogRotationSize <= 0:
		return errors.New("raft.log_rotation_size must be greater than 0")
	case r.LogPruningFrequency <= 0:
		return errors.New("raft.log_pruning_frequency must be greater than 0")
	case r.CatchupGapThreshold == 0:
		return errors.New("raft.catchup_gap_threshold must be greater than 0")
	case r.OutgoingQueueSize <= 0:
		return errors.New("raft.outgoing_queue_size must be greater than 0")
	case r.IOWorkers <= 0:
		return errors.New("raft.io_workers must be greater than 0")
	}
	if _, err := raftlog.ParsePruningStrategy(r.LogPruningStrategy); err != nil {
		return fmt.Errorf("raft.log_pruning_strategy: %w", err)
	}

	if c.StateMachine.FlushWindow == 0 {
		return errors.New("state_machine.flush_window must be greater than 0")
	}
	if c.StateMachine.ApplyMaxBatch == 0 {
		return errors.New("state_machine.apply_max_batch must be greater than 0")
	}
	if c.Replication.MaxAttempts <= 0 {
		return errors.New("replication.max_attempts must be greater than 0")
	}
	if c.CatchUp.BatchSize == 0 {
		return errors.New("catchup.batch_size must be greater than 0")
	}
	if c.CatchUp.InactivityTimeout <= 0 {
		return errors.New("catchup.inactivity_timeout must be greater than 0")
	}
	if _, err := logutil.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (c *Config) validateMembers(self types.MemberID) error {
	ms := c.Cluster.Members
	if len(ms) == 0 {
		return errors.New("cluster.members must contain at least one member")
	}
	if c.Cluster.ExpectedSize < 0 || c.Cluster.ExpectedSize > len(ms) {
		return fmt.Errorf("cluster.expected_size (%d) must be between 0 and the number of members (%d)", c.Cluster.ExpectedSize, len(ms))
	}

	seen := make(map[types.MemberID]bool, len(ms))
	for i, m := range ms {
		id, err := types.ParseMemberID(m.ID)
		if err != nil {
			return fmt.Errorf("cluster.members[%d].id: %w", i, err)
		}
		if seen[id] {
			return fmt.Errorf("cluster.members[%d]: duplicate id %s", i, id)
		}
		seen[id] = true
		if _, err := types.NewURL(m.URL); err != nil {
			return fmt.Errorf("cluster.members[%d].url: %w", i, err)
		}
		if id == self && m.URL != c.Member.AdvertiseURL {
			return fmt.Errorf("member address mismatch: member.advertise_url=%s but cluster.members[%d].url=%s", c.Member.AdvertiseURL, i, m.URL)
		}
	}
	return nil
}

// MemberIDs returns the ids of the initial members.
func (c *Config) MemberIDs() types.MemberIDs {
	ids := make(types.MemberIDs, 0, len(c.Cluster.Members))
	for _, m := range c.Cluster.Members {
		ids = append(ids, types.MustParseMemberID(m.ID))
	}
	return ids
}

// ElectionTicks and HeartbeatTicks convert the timeouts to ticks.
func (r RaftConfig) ElectionTicks() int  { return int(r.ElectionTimeout / r.TickInterval) }
func (r RaftConfig) HeartbeatTicks() int { return int(r.HeartbeatInterval / r.TickInterval) }
