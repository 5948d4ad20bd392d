// Package diagram renders workflow structure and lifecycle state machines
// as Mermaid text, for documentation and for inspecting loaded documents.
package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/arazzo/pkg/schema"
)

// Model is the intermediate representation shared by the renderers.
type Model struct {
	Title string
	Nodes []Node
	Edges []Edge
}

// Node is one box in a diagram.
type Node struct {
	ID       string
	Label    string
	Terminal bool
}

// Edge connects two nodes, optionally labeled.
type Edge struct {
	From  string
	To    string
	Label string
}

// FromWorkflow builds the step-sequence model of a workflow: a start node,
// one node per step labeled with its operation, and an end node.
func FromWorkflow(wf *schema.Workflow) *Model {
	m := &Model{
		Title: wf.WorkflowID,
		Nodes: []Node{{ID: "start", Label: "start"}},
	}

	prev := "start"
	for _, step := range wf.Steps {
		m.Nodes = append(m.Nodes, Node{ID: step.StepID, Label: step.StepID})
		m.Edges = append(m.Edges, Edge{From: prev, To: step.StepID, Label: step.OperationID})
		prev = step.StepID
	}

	// "end" is a Mermaid keyword, so the terminal node gets a distinct id.
	m.Nodes = append(m.Nodes, Node{ID: "finish", Label: "end", Terminal: true})
	m.Edges = append(m.Edges, Edge{From: prev, To: "finish"})
	return m
}

// FromTransitions builds a state-machine model from a transition table.
// States with no outgoing transitions are marked terminal.
func FromTransitions(title string, table map[string][]string) *Model {
	m := &Model{Title: title}

	states := make([]string, 0, len(table))
	for from := range table {
		states = append(states, from)
	}
	sort.Strings(states)

	for _, from := range states {
		m.Nodes = append(m.Nodes, Node{ID: from, Label: from, Terminal: len(table[from]) == 0})
		for _, to := range table[from] {
			m.Edges = append(m.Edges, Edge{From: from, To: to})
		}
	}
	return m
}

// RenderFlow renders a model as a Mermaid flowchart (graph TD).
func RenderFlow(m *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}
	for _, n := range m.Nodes {
		if n.Terminal {
			fmt.Fprintf(&b, "    %s((%s))\n", safeID(n.ID), n.Label)
		} else {
			fmt.Fprintf(&b, "    %s[%s]\n", safeID(n.ID), n.Label)
		}
	}
	for _, e := range m.Edges {
		if e.Label != "" {
			fmt.Fprintf(&b, "    %s -->|%s| %s\n", safeID(e.From), e.Label, safeID(e.To))
		} else {
			fmt.Fprintf(&b, "    %s --> %s\n", safeID(e.From), safeID(e.To))
		}
	}
	return b.String()
}

// RenderState renders a model as a Mermaid state diagram. Terminal states
// get an edge to the final pseudo-state.
func RenderState(m *Model) string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}
	for _, e := range m.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", safeID(e.From), safeID(e.To))
	}
	for _, n := range m.Nodes {
		if n.Terminal {
			fmt.Fprintf(&b, "    %s --> [*]\n", safeID(n.ID))
		}
	}
	return b.String()
}

// safeID strips characters Mermaid treats as syntax from node ids.
func safeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
