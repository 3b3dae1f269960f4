package sim_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-drt/internal/drt"
	sim "p2p-drt/internal/drt/sim"
)

const simNodes = 12

func startStar(t *testing.T) (*sim.Network, []*drt.Node) {
	t.Helper()
	nw := sim.NewNetwork(1)
	t.Cleanup(func() { _ = nw.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	nodes, err := nw.Star(ctx, simNodes)
	require.NoError(t, err)
	require.Len(t, nodes, simNodes)
	return nw, nodes
}

func waitRegistered(t *testing.T, r *drt.Registration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.State() == drt.RegistrationRegistered
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSim_StarJoinsEveryNode(t *testing.T) {
	_, nodes := startStar(t)

	// The root started alone and was promoted by the first joiner.
	for _, n := range nodes {
		assert.Equal(t, drt.StatusActive, n.Status())
	}
	// It also heard from every joiner.
	assert.Equal(t, simNodes-1, nodes[0].Routing().NodeCount())
}

func TestSim_ExactSearchFromEveryNode(t *testing.T) {
	_, nodes := startStar(t)

	owner := nodes[simNodes-1]
	key := drt.RandomKey()
	r, err := owner.RegisterKey(key, []byte("sim"), nil)
	require.NoError(t, err)
	waitRegistered(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for i, n := range nodes[:simNodes-1] {
		res, err := n.Search(ctx, drt.SearchRequest{Type: drt.SearchExact, Target: key})
		require.NoError(t, err, "node %d", i)
		assert.Equal(t, drt.MatchExact, res.Type)
		assert.Equal(t, []byte("sim"), res.AppData)
		assert.Equal(t, owner.LocalAddr(), res.From)
	}
}

func TestSim_TotalLossFindsNothingRemote(t *testing.T) {
	nw, nodes := startStar(t)

	key := drt.RandomKey()
	r, err := nodes[1].RegisterKey(key, []byte("x"), nil)
	require.NoError(t, err)
	waitRegistered(t, r)

	nw.SetDropRate(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err = nodes[2].Search(ctx, drt.SearchRequest{Type: drt.SearchExact, Target: key, Timeout: 2 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, drt.ErrNoMore) || errors.Is(err, drt.ErrTimeout), "got %v", err)
}
