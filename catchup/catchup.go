// Package catchup brings a lagging member up to date from a peer, by
// fetching committed log entries or, when the peer no longer holds
// them, by copying the peer's whole store.
package catchup

import (
	"errors"

	"github.com/google/uuid"

	"github.com/neo4j/neo4j-sub208/backend"
	"github.com/neo4j/neo4j-sub208/pkg/logutil"
	"github.com/neo4j/neo4j-sub208/pkg/types"
)

var logger = logutil.NewPackageLogger("catchup")

var (
	// ErrStoreIDMismatch is returned when a copied store does not carry
	// the identity the peer advertised for it.
	ErrStoreIDMismatch = errors.New("catchup: store id mismatch")

	// ErrChecksumMismatch is returned when a copied store does not match
	// the checksum sent after it.
	ErrChecksumMismatch = errors.New("catchup: checksum mismatch")

	// ErrInactivityTimeout is returned when a peer sends nothing for the
	// configured inactivity timeout.
	ErrInactivityTimeout = errors.New("catchup: peer inactive")

	// ErrEntriesPruned is returned when the peer no longer holds the
	// requested entries.
	ErrEntriesPruned = errors.New("catchup: entries pruned at peer")

	ErrClusterIDMismatch = errors.New("catchup: cluster ID mismatch")
)

// PathPrefix is the path the catch-up handler is mounted on.
const PathPrefix = "/catchup/"

const (
	pathStoreID = PathPrefix + "store-id"
	pathStore   = PathPrefix + "store"
	pathEntries = PathPrefix + "entries"
)

const (
	HeaderStoreID      = "X-Store-ID"
	HeaderAppliedIndex = "X-Applied-Index"
	HeaderAppliedTerm  = "X-Applied-Term"
	HeaderStoreSize    = "X-Store-Size"
	HeaderCommitIndex  = "X-Commit-Index"

	// HeaderMembers lists the peer's voting members, comma separated.
	HeaderMembers = "X-Members"

	// TrailerChecksum carries the crc32c of the store body, in hex.
	TrailerChecksum = "X-Checksum"
)

const (
	// DefaultBatchSize is the number of entries fetched per request.
	DefaultBatchSize = 64

	// maxEntriesByteN bounds the entries sent in one response.
	maxEntriesByteN = 16 * 1024 * 1024
)

// StoreInfo is a peer's answer to a store id request.
type StoreInfo struct {
	StoreID      uuid.UUID `json:"store_id"`
	AppliedIndex uint64    `json:"applied_index"`
	AppliedTerm  uint64    `json:"applied_term"`

	// PrevIndex and LastIndex bound the peer's log.
	PrevIndex uint64 `json:"prev_index"`
	LastIndex uint64 `json:"last_index"`

	Commit uint64 `json:"commit"`
}

// CopyInfo describes a received store copy.
type CopyInfo struct {
	backend.Info

	// Members is the peer's membership once the copy was taken.
	Members types.MemberIDs
}
