package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"display-rpc/registry"
)

var testEndpoints = []registry.Endpoint{
	{ID: "a", Addr: "/run/display/a.sock", Weight: 10, Version: "1"},
	{ID: "b", Addr: "/run/display/b.sock", Weight: 5, Version: "1"},
	{ID: "c", Addr: "/run/display/c.sock", Weight: 10, Version: "1"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var got []string
	for i := 0; i < 4; i++ {
		ep, err := b.Pick("", testEndpoints)
		require.NoError(t, err)
		got = append(got, ep.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestEmptyEndpoints(t *testing.T) {
	for _, name := range []string{"round_robin", "weighted_random", "consistent_hash"} {
		b, err := New(name)
		require.NoError(t, err)
		_, err = b.Pick("app", nil)
		assert.ErrorIs(t, err, ErrNoEndpoints, name)
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := New("fastest")
	assert.Error(t, err)
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		ep, err := b.Pick("", testEndpoints)
		require.NoError(t, err)
		counts[ep.ID]++
	}

	// Weights are 10:5:10, so a should see about twice what b sees.
	ratio := float64(counts["a"]) / float64(counts["b"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	first, err := b.Pick("terminal", testEndpoints)
	require.NoError(t, err)
	again, err := b.Pick("terminal", testEndpoints)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ep, err := b.Pick(fmt.Sprintf("app-%d", i), testEndpoints)
		require.NoError(t, err)
		seen[ep.ID] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashRebuildsOnChange(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.Pick("app", testEndpoints)
	require.NoError(t, err)

	only := []registry.Endpoint{testEndpoints[1]}
	ep, err := b.Pick("app", only)
	require.NoError(t, err)
	assert.Equal(t, "b", ep.ID)
}
