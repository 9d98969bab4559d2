package member

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/neo4j/neo4j-sub208/catchup"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/rafthttp"
	"github.com/neo4j/neo4j-sub208/replication"
	"github.com/neo4j/neo4j-sub208/statemachine"
)

const (
	StatusPath    = "/status"
	ReplicatePath = "/replicate"
	MembersPath   = "/members"

	maxReplicateRequestByteN = 4 * 1024 * 1024
)

// Handler serves raft messages, catch-up requests and the member API.
func (m *Member) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(rafthttp.RaftPrefix, m.transport.Handler())
	mux.Handle(catchup.PathPrefix, catchup.NewHandler(m, m.cfg.Cluster.ClusterID))
	mux.HandleFunc(StatusPath, m.serveStatus)
	mux.HandleFunc(ReplicatePath, m.serveReplicate)
	mux.HandleFunc(MembersPath, m.serveMembers)
	return mux
}

func (m *Member) serveStatus(rw http.ResponseWriter, req *http.Request) {
	if req.Method != "GET" {
		rw.Header().Set("Allow", "GET")
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	h := m.Health()
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(rw, code, h)
}

// ReplicateRequest is the body of POST /replicate. Kind selects which
// of the other fields are read.
type ReplicateRequest struct {
	Kind string `json:"kind"`

	// id-allocation
	IDType uint32 `json:"id_type,omitempty"`
	Size   uint64 `json:"size,omitempty"`

	// token-request
	TokenType uint32 `json:"token_type,omitempty"`
	Name      string `json:"name,omitempty"`

	// lock-token-request; the owner is the member serving the request
	Candidate uint64 `json:"candidate,omitempty"`

	// transaction
	Payload []byte `json:"payload,omitempty"`
}

// Operation returns the operation kind and payload.
func (r ReplicateRequest) Operation(self types.MemberID) (statemachine.Kind, []byte, error) {
	kind, err := statemachine.ParseKind(r.Kind)
	if err != nil {
		return 0, nil, err
	}
	switch kind {
	case statemachine.KindIDAllocation:
		if r.Size == 0 {
			return 0, nil, errors.New("size must be greater than 0")
		}
		return kind, statemachine.IDAllocation{IDType: r.IDType, Size: r.Size}.Marshal(), nil
	case statemachine.KindTokenRequest:
		if r.Name == "" {
			return 0, nil, errors.New("name is required")
		}
		return kind, statemachine.TokenRequest{TokenType: r.TokenType, Name: r.Name}.Marshal(), nil
	case statemachine.KindLockTokenRequest:
		return kind, statemachine.LockTokenRequest{Owner: self, Candidate: r.Candidate}.Marshal(), nil
	case statemachine.KindTransaction:
		return kind, r.Payload, nil
	}
	return kind, nil, nil
}

// ReplicateResponse is the body of a successful POST /replicate.
type ReplicateResponse struct {
	Accepted bool   `json:"accepted"`
	Value    uint64 `json:"value"`
	Count    uint64 `json:"count"`
	Data     []byte `json:"data,omitempty"`
}

func (m *Member) serveReplicate(rw http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		rw.Header().Set("Allow", "POST")
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var rr ReplicateRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, maxReplicateRequestByteN)).Decode(&rr); err != nil {
		http.Error(rw, fmt.Sprintf("failed to decode request (%v)", err), http.StatusBadRequest)
		return
	}
	kind, payload, err := rr.Operation(m.id)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := m.Replicate(req.Context(), kind, payload)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, replication.ErrNotLeader), errors.Is(err, ErrStopped), errors.Is(err, ErrNotStarted):
			code = http.StatusServiceUnavailable
			if leader, ok := replication.LeaderHint(err); ok {
				rw.Header().Set(HeaderLeader, leader.String())
			}
		case errors.Is(err, replication.ErrReplicationExhausted):
			code = http.StatusGatewayTimeout
		}
		logger.Warningf("failed to replicate %s (%v)", kind, err)
		http.Error(rw, err.Error(), code)
		return
	}
	writeJSON(rw, http.StatusOK, ReplicateResponse{
		Accepted: res.Accepted,
		Value:    res.Value,
		Count:    res.Count,
		Data:     res.Data,
	})
}

// HeaderLeader carries the known leader on a 503 from POST /replicate.
const HeaderLeader = "X-Leader-ID"

// MemberRequest is the body of POST and DELETE /members.
type MemberRequest struct {
	ID  types.MemberID `json:"id"`
	URL string         `json:"url,omitempty"`
}

func (m *Member) serveMembers(rw http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		writeJSON(rw, http.StatusOK, m.Status().Members)
		return
	case "POST", "DELETE":
	default:
		rw.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var mr MemberRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, 64*1024)).Decode(&mr); err != nil {
		http.Error(rw, fmt.Sprintf("failed to decode request (%v)", err), http.StatusBadRequest)
		return
	}
	if mr.ID.IsZero() {
		http.Error(rw, "id is required", http.StatusBadRequest)
		return
	}

	var err error
	if req.Method == "POST" {
		if _, perr := types.NewURL(mr.URL); perr != nil {
			http.Error(rw, perr.Error(), http.StatusBadRequest)
			return
		}
		err = m.AddMember(req.Context(), mr.ID, mr.URL)
	} else {
		err = m.RemoveMember(req.Context(), mr.ID)
	}
	if err != nil {
		logger.Warningf("failed to change membership (%v)", err)
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func writeJSON(rw http.ResponseWriter, code int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		logger.Warningf("failed to write response (%v)", err)
	}
}
