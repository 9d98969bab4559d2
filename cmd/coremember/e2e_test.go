//go:build e2e

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/neo4j/neo4j-sub208/member"
	"github.com/neo4j/neo4j-sub208/pkg/types"
)

type e2eMember struct {
	id        types.MemberID
	name      string
	container testcontainers.Container
	endpoint  string
}

func (m *e2eMember) health() (member.Health, error) {
	var h member.Health
	resp, err := http.Get(m.endpoint + member.StatusPath)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	return h, json.NewDecoder(resp.Body).Decode(&h)
}

func startE2ECluster(ctx context.Context, t *testing.T, n int) []*e2eMember {
	nw, err := network.New(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { nw.Remove(context.Background()) })

	ms := make([]*e2eMember, n)
	pairs := make([]string, n)
	for i := range ms {
		ms[i] = &e2eMember{id: types.NewMemberID(), name: fmt.Sprintf("core%d", i+1)}
		pairs[i] = fmt.Sprintf("%s=http://%s:7000", ms[i].id, ms[i].name)
	}

	for _, m := range ms {
		req := testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				FromDockerfile: testcontainers.FromDockerfile{
					Context:    "../..",
					Dockerfile: "cmd/coremember/Dockerfile",
					KeepImage:  true,
				},
				Name:         m.name,
				ExposedPorts: []string{"7000/tcp"},
				Networks:     []string{nw.Name},
				NetworkAliases: map[string][]string{
					nw.Name: {m.name},
				},
				Cmd: []string{
					"--id", m.id.String(),
					"--advertise-url", fmt.Sprintf("http://%s:7000", m.name),
					"--members", strings.Join(pairs, ","),
					"--cluster-id", "7",
				},
				WaitingFor: wait.ForListeningPort("7000/tcp").WithStartupTimeout(2 * time.Minute),
			},
			Started: true,
		}
		c, err := testcontainers.GenericContainer(ctx, req)
		require.NoError(t, err)
		t.Cleanup(func() { c.Terminate(context.Background()) })

		endpoint, err := c.PortEndpoint(ctx, "7000/tcp", "http")
		require.NoError(t, err)
		m.container, m.endpoint = c, endpoint
	}
	return ms
}

func TestE2ELeaderElection(t *testing.T) {
	ctx := context.Background()
	ms := startE2ECluster(ctx, t, 3)

	var leader types.MemberID
	require.Eventually(t, func() bool {
		leaders := map[types.MemberID]bool{}
		for _, m := range ms {
			h, err := m.health()
			if err != nil || !h.Healthy {
				return false
			}
			leaders[h.Leader] = true
		}
		if len(leaders) != 1 {
			return false
		}
		for id := range leaders {
			leader = id
		}
		return true
	}, time.Minute, 200*time.Millisecond, "cluster never agreed on a leader")

	// replicate through any member; followers forward to the leader
	resp, err := http.Post(ms[0].endpoint+member.ReplicatePath, "application/json",
		strings.NewReader(`{"kind":"id-allocation","id_type":1,"size":10}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// stopping the leader elects another one
	for _, m := range ms {
		if m.id == leader {
			timeout := 10 * time.Second
			require.NoError(t, m.container.Stop(ctx, &timeout))
		}
	}
	require.Eventually(t, func() bool {
		for _, m := range ms {
			if m.id == leader {
				continue
			}
			h, err := m.health()
			if err != nil || !h.Healthy || h.Leader == leader {
				return false
			}
		}
		return true
	}, time.Minute, 200*time.Millisecond, "no new leader after stopping %s", leader)
}
