package rafthttp

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/neo4j/neo4j-sub208/pkg/ioutil"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// A raft post carries a batch of length-prefixed messages. Headers name
// the sender, its cluster and, when it has any, its own peer URLs, so a
// member that joined after the receiver started is still reachable.

func (t *Transport) newPostRequest(target url.URL, body io.Reader, n int) *http.Request {
	target.Path = RaftPrefix
	req, err := http.NewRequest(http.MethodPost, target.String(), body)
	if err != nil {
		panic(fmt.Errorf("rafthttp: building post to %s: %v", target.String(), err))
	}
	req.Header.Set(HeaderContentType, HeaderContentRaft)
	req.Header.Set(HeaderFromID, t.From.String())
	req.Header.Set(HeaderClusterID, formatClusterID(t.ClusterID))
	req.Header.Set(headerMessageCount, strconv.Itoa(n))
	if len(t.URLs) > 0 {
		req.Header.Set(HeaderPeerURLs, strings.Join(t.URLs.StringSlice(), ","))
	}
	return req
}

func checkPostResponse(resp *http.Response, body []byte, to types.MemberID) error {
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusPreconditionFailed:
		if strings.TrimSpace(string(body)) == ErrClusterIDMismatch.Error() {
			logger.Errorf("%s belongs to cluster %s", to.Short(), resp.Header.Get(HeaderClusterID))
			return ErrClusterIDMismatch
		}
		return fmt.Errorf("rafthttp: post rejected: %s", body)
	default:
		return fmt.Errorf("rafthttp: post to %s: unexpected status %s", to.Short(), resp.Status)
	}
}

func formatClusterID(id uint64) string { return strconv.FormatUint(id, 16) }

// raftHandler steps the messages posted by peers.
type raftHandler struct {
	tr *Transport
}

func (h *raftHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set(HeaderClusterID, formatClusterID(h.tr.ClusterID))
	if got := req.Header.Get(HeaderClusterID); got != formatClusterID(h.tr.ClusterID) {
		logger.Errorf("rejected post from cluster %s", got)
		http.Error(w, ErrClusterIDMismatch.Error(), http.StatusPreconditionFailed)
		return
	}

	if from, err := types.ParseMemberID(req.Header.Get(HeaderFromID)); err == nil {
		if urls := req.Header.Get(HeaderPeerURLs); urls != "" {
			h.tr.AddPeerRemote(from, strings.Split(urls, ","))
		}
	}

	dec := raftpb.NewMessageBinaryDecoder(io.LimitReader(ioutil.NewChunkReader(req.Body, 64*1024), maxRequestByteN))
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warningf("cannot decode raft message (%v)", err)
			http.Error(w, fmt.Sprintf("cannot decode raft message (%v)", err), http.StatusBadRequest)
			return
		}
		if msg.To != h.tr.From {
			logger.Warningf("ignored %s addressed to %s", msg.Type, msg.To.Short())
			continue
		}
		if err := h.tr.Raft.Step(req.Context(), msg); err != nil {
			logger.Warningf("cannot step %s (%v)", msg.Type, err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
