package member

import (
	"github.com/neo4j/neo4j-sub208/pkg/types"
)

// Health summarizes whether the member takes part in the cluster.
type Health struct {
	Healthy      bool           `json:"healthy"`
	ID           types.MemberID `json:"id"`
	Role         string         `json:"role"`
	Term         uint64         `json:"term"`
	Leader       types.MemberID `json:"leader"`
	Members      int            `json:"members"`
	CommitIndex  uint64         `json:"commit_index"`
	AppliedIndex uint64         `json:"applied_index"`
	CatchingUp   bool           `json:"catching_up"`
	Err          string         `json:"error,omitempty"`
}

// Health reports the member unhealthy once raft or the application
// process has failed, while it has no leader, and while the membership
// is smaller than cluster.expected_size.
func (m *Member) Health() Health {
	if err := m.check(); err != nil {
		return Health{ID: m.id, Err: err.Error()}
	}

	st := m.node.Status()
	h := Health{
		ID:           m.id,
		Role:         st.Role.String(),
		Term:         st.Term,
		Leader:       st.Leader,
		Members:      len(st.Members),
		CommitIndex:  st.Commit,
		AppliedIndex: m.app.Applied(),
		CatchingUp:   st.CatchingUp || m.catchingUp.Load(),
	}
	err := st.Err
	if err == nil {
		err = m.app.Err()
	}
	switch {
	case err != nil:
		h.Err = err.Error()
	case st.Leader.IsZero():
		h.Err = "no leader"
	case len(st.Members) < m.cfg.Cluster.ExpectedSize:
		h.Err = "membership below expected size"
	default:
		h.Healthy = true
	}
	return h
}
