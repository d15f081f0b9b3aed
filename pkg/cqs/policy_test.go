package cqs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planHosts(plan QueryPlan) []string {
	var out []string
	for {
		host, ok := plan.Next()
		if !ok {
			return out
		}
		out = append(out, host.Address)
	}
}

func TestRoundRobinPlanYieldsEachHostOnce(t *testing.T) {
	rr := NewRoundRobinPolicy(
		NewHost("a:9042", HostLocal),
		NewHost("b:9042", HostLocal),
		NewHost("c:9042", HostRemote),
	)

	hosts := planHosts(rr.NewQueryPlan(nil))
	assert.Len(t, hosts, 3)
	assert.ElementsMatch(t, []string{"a:9042", "b:9042", "c:9042"}, hosts)

	// exhausted plans stay exhausted
	plan := rr.NewQueryPlan(nil)
	planHosts(plan)
	_, ok := plan.Next()
	assert.False(t, ok)
}

func TestRoundRobinSkipsIgnoredHosts(t *testing.T) {
	rr := NewRoundRobinPolicy(
		NewHost("a:9042", HostLocal),
		NewHost("b:9042", HostIgnored),
		NewHost("c:9042", HostLocal),
	)

	hosts := planHosts(rr.NewQueryPlan(nil))
	assert.ElementsMatch(t, []string{"a:9042", "c:9042"}, hosts)
}

func TestRoundRobinRotatesAcrossPlans(t *testing.T) {
	rr := NewRoundRobinPolicy(
		NewHost("a:9042", HostLocal),
		NewHost("b:9042", HostLocal),
		NewHost("c:9042", HostLocal),
	)

	first := planHosts(rr.NewQueryPlan(nil))
	second := planHosts(rr.NewQueryPlan(nil))
	require.Len(t, first, 3)
	require.Len(t, second, 3)
	assert.NotEqual(t, first[0], second[0], "consecutive plans should start at different hosts")
}

func TestRoundRobinEmptyPlan(t *testing.T) {
	rr := NewRoundRobinPolicy()
	_, ok := rr.NewQueryPlan(nil).Next()
	assert.False(t, ok)
}

func TestEpsilonGreedyPlanCoversClusterOnce(t *testing.T) {
	eg := NewEpsilonGreedyPolicy(time.Minute,
		NewHost("a:9042", HostLocal),
		NewHost("b:9042", HostLocal),
		NewHost("c:9042", HostIgnored),
	)
	defer eg.pool.Close()

	hosts := planHosts(eg.NewQueryPlan(nil))
	assert.Len(t, hosts, 2)
	assert.ElementsMatch(t, []string{"a:9042", "b:9042"}, hosts)

	// outcome feedback for the plan's leader is accepted
	eg.MarkHostResult(NewHost(hosts[0], HostLocal), nil)
}

func TestEpsilonGreedyOverlappingPlansEachGetMarked(t *testing.T) {
	host := NewHost("a:9042", HostLocal)
	eg := NewEpsilonGreedyPolicy(time.Minute, host)
	defer eg.pool.Close()

	// a single-host cluster leads every plan with the same host
	eg.NewQueryPlan(nil)
	eg.NewQueryPlan(nil)
	require.Len(t, eg.marking[host.Address], 2, "each outstanding plan keeps its own scoring response")

	eg.MarkHostResult(host, nil)
	assert.Len(t, eg.marking[host.Address], 1)

	eg.MarkHostResult(host, ErrTimeout)
	assert.Empty(t, eg.marking[host.Address])

	// feedback with nothing outstanding is ignored
	eg.MarkHostResult(host, nil)
	assert.Empty(t, eg.marking[host.Address])
}

func TestDefaultRetryPolicyDecisions(t *testing.T) {
	policy := DefaultRetryPolicy{}

	assert.Equal(t, RetryNextHost, policy.OnReadTimeout(&RetryContext{Attempt: 0}))
	assert.Equal(t, Rethrow, policy.OnReadTimeout(&RetryContext{Attempt: 1}))
	assert.Equal(t, Rethrow, policy.OnWriteTimeout(&RetryContext{Attempt: 0}))
	assert.Equal(t, RetrySameHost, policy.OnUnavailable(&RetryContext{Attempt: 0}))
	assert.Equal(t, Rethrow, policy.OnUnavailable(&RetryContext{Attempt: 2}))
	assert.Equal(t, RetryNextHost, policy.OnConnectionError(&RetryContext{Attempt: 4}))
}

func TestFallthroughRetryPolicyNeverRetries(t *testing.T) {
	policy := FallthroughRetryPolicy{}
	ctx := &RetryContext{}

	assert.Equal(t, Rethrow, policy.OnReadTimeout(ctx))
	assert.Equal(t, Rethrow, policy.OnWriteTimeout(ctx))
	assert.Equal(t, Rethrow, policy.OnUnavailable(ctx))
	assert.Equal(t, Rethrow, policy.OnConnectionError(ctx))
}
