package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/arazzo/pkg/schema"
)

func TestFromWorkflow(t *testing.T) {
	wf := &schema.Workflow{
		WorkflowID: "adopt-pet",
		Steps: []schema.Step{
			{StepID: "find", OperationID: "getPet"},
			{StepID: "adopt", OperationID: "createAdoption"},
		},
	}

	m := FromWorkflow(wf)

	assert.Equal(t, "adopt-pet", m.Title)
	require.Len(t, m.Nodes, 4, "start, two steps, end")
	require.Len(t, m.Edges, 3)
	assert.Equal(t, Edge{From: "start", To: "find", Label: "getPet"}, m.Edges[0])
	assert.Equal(t, Edge{From: "find", To: "adopt", Label: "createAdoption"}, m.Edges[1])
	assert.Equal(t, Edge{From: "adopt", To: "finish"}, m.Edges[2])
	assert.True(t, m.Nodes[3].Terminal)
}

func TestFromTransitions(t *testing.T) {
	m := FromTransitions("execution lifecycle", map[string][]string{
		"pending": {"running"},
		"running": {"workflow_complete", "workflow_error"},

		"workflow_complete": {},
		"workflow_error":    {},
	})

	assert.Len(t, m.Edges, 3)

	terminals := 0
	for _, n := range m.Nodes {
		if n.Terminal {
			terminals++
		}
	}
	assert.Equal(t, 2, terminals)
}

func TestRenderFlow(t *testing.T) {
	wf := &schema.Workflow{
		WorkflowID: "adopt-pet",
		Steps:      []schema.Step{{StepID: "find", OperationID: "getPet"}},
	}

	out := RenderFlow(FromWorkflow(wf))

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% adopt-pet")
	assert.Contains(t, out, "start -->|getPet| find")
	assert.Contains(t, out, "finish((end))")
}

func TestRenderState(t *testing.T) {
	m := FromTransitions("steps", map[string][]string{
		"pending":       {"running"},
		"running":       {"step_complete"},
		"step_complete": {},
	})

	out := RenderState(m)

	assert.True(t, strings.HasPrefix(out, "stateDiagram-v2\n"))
	assert.Contains(t, out, "pending --> running")
	assert.Contains(t, out, "step_complete --> [*]")
}

func TestSafeID(t *testing.T) {
	assert.Equal(t, "find_pet", safeID("find-pet"))
	assert.Equal(t, "step_1", safeID("step 1"))
}
