// gen-diagrams renders the execution and step lifecycles plus a sample
// workflow as Mermaid files under docs/diagrams.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/arazzo/internal/diagram"
	"github.com/rendis/arazzo/internal/engine"
	"github.com/rendis/arazzo/pkg/schema"
)

func main() {
	outDir := "docs/diagrams"
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fatal(err)
	}

	execModel := diagram.FromTransitions("execution lifecycle",
		executionTable(engine.ValidExecutionTransitions))
	write(filepath.Join(outDir, "execution-lifecycle.mmd"), diagram.RenderState(execModel))

	stepModel := diagram.FromTransitions("step lifecycle",
		stepTable(engine.ValidStepTransitions))
	write(filepath.Join(outDir, "step-lifecycle.mmd"), diagram.RenderState(stepModel))

	sample := &schema.Workflow{
		WorkflowID: "adopt-pet",
		Steps: []schema.Step{
			{StepID: "find", OperationID: "getPet"},
			{StepID: "adopt", OperationID: "createAdoption"},
			{StepID: "confirm", OperationID: "getAdoption"},
		},
	}
	write(filepath.Join(outDir, "sample-workflow.mmd"), diagram.RenderFlow(diagram.FromWorkflow(sample)))

	fmt.Println("diagrams written to", outDir)
}

func executionTable(t map[schema.ExecutionStatus][]schema.ExecutionStatus) map[string][]string {
	out := make(map[string][]string, len(t))
	for from, tos := range t {
		var s []string
		for _, to := range tos {
			s = append(s, string(to))
		}
		out[string(from)] = s
	}
	return out
}

func stepTable(t map[schema.StepStatus][]schema.StepStatus) map[string][]string {
	out := make(map[string][]string, len(t))
	for from, tos := range t {
		var s []string
		for _, to := range tos {
			s = append(s, string(to))
		}
		out[string(from)] = s
	}
	return out
}

func write(path, content string) {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "gen-diagrams:", err)
	os.Exit(1)
}
