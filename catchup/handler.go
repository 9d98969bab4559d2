package catchup

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/neo4j/neo4j-sub208/backend"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
	"github.com/neo4j/neo4j-sub208/rafthttp"
	"github.com/neo4j/neo4j-sub208/raftlog"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Source is the local state served to catching-up members.
type Source interface {
	// Store returns the live store.
	Store() backend.Backend
	Log() raft.ReadableLog
	CommitIndex() uint64

	// Members returns the committed voting membership.
	Members() types.MemberIDs
}

type handler struct {
	src       Source
	clusterID uint64
}

// NewHandler serves the store identity, store copies and committed
// entries of src under PathPrefix.
func NewHandler(src Source, clusterID uint64) http.Handler {
	hd := &handler{src: src, clusterID: clusterID}
	mux := http.NewServeMux()
	mux.HandleFunc(pathStoreID, hd.serveStoreID)
	mux.HandleFunc(pathStore, hd.serveStore)
	mux.HandleFunc(pathEntries, hd.serveEntries)
	return mux
}

func (hd *handler) check(rw http.ResponseWriter, req *http.Request) bool {
	if req.Method != "GET" {
		rw.Header().Set("Allow", "GET")
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return false
	}
	rw.Header().Set(rafthttp.HeaderClusterID, strconv.FormatUint(hd.clusterID, 16))
	if req.Header.Get(rafthttp.HeaderClusterID) != strconv.FormatUint(hd.clusterID, 16) {
		http.Error(rw, ErrClusterIDMismatch.Error(), http.StatusPreconditionFailed)
		return false
	}
	return true
}

func (hd *handler) serveStoreID(rw http.ResponseWriter, req *http.Request) {
	if !hd.check(rw, req) {
		return
	}

	be := hd.src.Store()
	id, err := backend.ReadStoreID(be)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	index, term := backend.ReadApplied(be)
	log := hd.src.Log()

	info := StoreInfo{
		StoreID:      id,
		AppliedIndex: index,
		AppliedTerm:  term,
		PrevIndex:    log.PrevIndex(),
		LastIndex:    log.LastIndex(),
		Commit:       hd.src.CommitIndex(),
	}
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(info); err != nil {
		logger.Warningf("failed to write store id (%v)", err)
	}
}

func (hd *handler) serveStore(rw http.ResponseWriter, req *http.Request) {
	if !hd.check(rw, req) {
		return
	}

	be := hd.src.Store()
	id, err := backend.ReadStoreID(be)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	snap := be.Snapshot()
	defer snap.Close()
	index, term := snap.Applied()

	// read after the snapshot, so no membership the copy applied is missed
	members := hd.src.Members()
	ids := make([]string, len(members))
	for i, id := range members {
		ids[i] = id.String()
	}

	h := rw.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Trailer", TrailerChecksum)
	h.Set(HeaderStoreID, id.String())
	h.Set(HeaderAppliedIndex, strconv.FormatUint(index, 10))
	h.Set(HeaderAppliedTerm, strconv.FormatUint(term, 10))
	h.Set(HeaderStoreSize, strconv.FormatInt(snap.Size(), 10))
	h.Set(HeaderMembers, strings.Join(ids, ","))
	rw.WriteHeader(http.StatusOK)

	logger.Infof("sending store %s [applied index=%d | term=%d | size=%d] to %s", id, index, term, snap.Size(), req.RemoteAddr)
	crc := crc32.New(crcTable)
	n, err := snap.WriteTo(io.MultiWriter(rw, crc))
	if err != nil {
		// the receiver sees a short body
		logger.Warningf("failed to send store to %s after %d bytes (%v)", req.RemoteAddr, n, err)
		return
	}
	h.Set(TrailerChecksum, fmt.Sprintf("%08x", crc.Sum32()))
	logger.Infof("sent store %s to %s [total bytes: %d]", id, req.RemoteAddr, n)
}

func (hd *handler) serveEntries(rw http.ResponseWriter, req *http.Request) {
	if !hd.check(rw, req) {
		return
	}

	q := req.URL.Query()
	from, err := strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil || from == 0 {
		http.Error(rw, fmt.Sprintf("invalid from %q", q.Get("from")), http.StatusBadRequest)
		return
	}
	limit := uint64(DefaultBatchSize)
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.ParseUint(s, 10, 64); err != nil || limit == 0 {
			http.Error(rw, fmt.Sprintf("invalid limit %q", s), http.StatusBadRequest)
			return
		}
	}

	log := hd.src.Log()
	commit := hd.src.CommitIndex()
	if from <= log.PrevIndex() {
		http.Error(rw, ErrEntriesPruned.Error(), http.StatusGone)
		return
	}

	// only committed entries are served
	hi := from + limit
	if hi > commit+1 {
		hi = commit + 1
	}
	if last := log.LastIndex() + 1; hi > last {
		hi = last
	}
	var ents []raftpb.Entry
	if from < hi {
		ents, err = log.Entries(from, hi, maxEntriesByteN)
		switch {
		case errors.Is(err, raftlog.ErrCompacted), errors.Is(err, raft.ErrCompacted):
			http.Error(rw, ErrEntriesPruned.Error(), http.StatusGone)
			return
		case err != nil:
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	rw.Header().Set("Content-Type", rafthttp.HeaderContentRaft)
	rw.Header().Set(HeaderCommitIndex, strconv.FormatUint(commit, 10))
	rw.WriteHeader(http.StatusOK)

	enc := raftpb.NewEntryBinaryEncoder(rw)
	for i := range ents {
		if err := enc.Encode(&ents[i]); err != nil {
			logger.Warningf("failed to send entries to %s (%v)", req.RemoteAddr, err)
			return
		}
	}
}
