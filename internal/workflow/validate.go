package workflow

import (
	"fmt"
	"jobengine/internal/apperrors"
	"jobengine/internal/model"
	"slices"
)

// InputOutput is the name of the single output of an input step.
const InputOutput = "output"

// validate checks that every connection points at an existing step output
// and that the graph is acyclic. The error names the offending step.
func (s *Scheduler) validate(wf model.Workflow, inputs map[int]model.OutputRef) error {
	outputs := make([][]string, len(wf.Steps))
	for i, step := range wf.Steps {
		switch {
		case step.Type.IsInput():
			if _, ok := inputs[i]; !ok {
				return apperrors.Scheduler(i, "no input supplied")
			}
			outputs[i] = []string{InputOutput}
		case step.Type == model.StepTool:
			if step.ToolID == "" {
				return apperrors.Scheduler(i, "tool step without tool id")
			}
			desc, err := s.tools.Get(step.ToolID)
			if err != nil {
				return apperrors.Scheduler(i, fmt.Sprintf("tool %s: %v", step.ToolID, err))
			}
			for _, out := range desc.Outputs() {
				outputs[i] = append(outputs[i], out.Name)
			}
		default:
			return apperrors.Scheduler(i, fmt.Sprintf("unknown step type %q", step.Type))
		}
	}

	for i, step := range wf.Steps {
		for _, conn := range step.Inputs {
			if conn.SourceStep < 0 || conn.SourceStep >= len(wf.Steps) {
				return apperrors.Scheduler(i, fmt.Sprintf("input %s references missing step %d", conn.Input, conn.SourceStep))
			}
			if !slices.Contains(outputs[conn.SourceStep], conn.SourceOutput) {
				return apperrors.Scheduler(i, fmt.Sprintf("input %s references missing output %s of step %d", conn.Input, conn.SourceOutput, conn.SourceStep))
			}
		}
	}
	if step, ok := findCycle(wf); ok {
		return apperrors.Scheduler(step, "step is part of a dependency cycle")
	}
	return nil
}

// findCycle returns a step on a dependency cycle.
func findCycle(wf model.Workflow) (int, bool) {
	const (
		unvisited = iota
		visiting
		done
	)
	color := make([]int, len(wf.Steps))
	var visit func(i int) (int, bool)
	visit = func(i int) (int, bool) {
		color[i] = visiting
		for _, conn := range wf.Steps[i].Inputs {
			switch color[conn.SourceStep] {
			case visiting:
				return conn.SourceStep, true
			case unvisited:
				if step, ok := visit(conn.SourceStep); ok {
					return step, true
				}
			}
		}
		color[i] = done
		return 0, false
	}
	for i := range wf.Steps {
		if color[i] == unvisited {
			if step, ok := visit(i); ok {
				return step, true
			}
		}
	}
	return 0, false
}
