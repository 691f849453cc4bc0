package flowgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefinitionValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, diamondDefinition().Validate())
	})

	t.Run("missing id", func(t *testing.T) {
		def := &WorkflowDefinition{Nodes: []*WorkflowNode{node("a", "noop")}}
		require.Error(t, def.Validate())
	})

	t.Run("no nodes", func(t *testing.T) {
		def := &WorkflowDefinition{ID: "empty"}
		require.Error(t, def.Validate())
	})

	t.Run("duplicate node id", func(t *testing.T) {
		def := &WorkflowDefinition{
			ID:    "dup",
			Nodes: []*WorkflowNode{node("a", "noop"), node("a", "noop")},
		}
		require.Error(t, def.Validate())
	})

	t.Run("node without type", func(t *testing.T) {
		def := &WorkflowDefinition{
			ID:    "untyped",
			Nodes: []*WorkflowNode{{ID: "a"}},
		}
		require.Error(t, def.Validate())
	})

	t.Run("edge to unknown node", func(t *testing.T) {
		def := &WorkflowDefinition{
			ID:    "dangling",
			Nodes: []*WorkflowNode{node("a", "noop")},
			Edges: []*WorkflowEdge{edge("a", "missing")},
		}
		require.Error(t, def.Validate())
	})

	t.Run("unknown error policy", func(t *testing.T) {
		def := &WorkflowDefinition{
			ID:       "policy",
			Nodes:    []*WorkflowNode{node("a", "noop")},
			Settings: WorkflowSettings{ErrorHandling: "explode"},
		}
		require.Error(t, def.Validate())
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:       3,
		InitialInterval:   100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	require.Equal(t, 100*time.Millisecond, policy.Delay(0))
	require.Equal(t, 200*time.Millisecond, policy.Delay(1))
	require.Equal(t, 400*time.Millisecond, policy.Delay(2))

	t.Run("defaults", func(t *testing.T) {
		policy := &RetryPolicy{}
		require.Equal(t, time.Second, policy.Delay(0))
		require.Equal(t, 2*time.Second, policy.Delay(1))
	})
}

func TestLoadString(t *testing.T) {
	def, err := LoadString(`
id: greeting
name: Greeting Workflow
nodes:
  - id: fetch
    type: http
    parameters:
      url: https://example.com
    retry:
      max_attempts: 3
      initial_interval: 1s
  - id: report
    type: print
    parameters:
      message: done
edges:
  - source:
      node_id: fetch
      handle: body
    target:
      node_id: report
settings:
  error_handling: continue
`)
	require.NoError(t, err)
	require.Equal(t, "greeting", def.ID)
	require.Len(t, def.Nodes, 2)
	require.Len(t, def.Edges, 1)
	require.Equal(t, "body", def.Edges[0].Source.Handle)
	require.Equal(t, ErrorHandlingContinue, def.Settings.ErrorHandling)

	fetch, ok := def.Node("fetch")
	require.True(t, ok)
	require.NotNil(t, fetch.Retry)
	require.Equal(t, 3, fetch.Retry.MaxAttempts)
	require.Equal(t, time.Second, fetch.Retry.InitialInterval)

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadString("nodes: [")
		require.Error(t, err)
	})

	t.Run("invalid definition", func(t *testing.T) {
		_, err := LoadString("id: broken")
		require.Error(t, err)
	})
}
