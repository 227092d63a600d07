package types

import (
	"testing"

	"pgregory.net/rapid"
)

// Drives a task through random requested transitions, applying only the
// legal ones, and verifies that once a terminal status is reached the
// status never changes again and that every applied step was individually
// legal.
func TestProperty_TaskStatus_TerminalIsFinal(t *testing.T) {
	all := []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled}

	rapid.Check(t, func(rt *rapid.T) {
		current := TaskPending
		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		sawTerminal := false

		for i := 0; i < steps; i++ {
			next := rapid.SampledFrom(all).Draw(rt, "next")
			if sawTerminal && current.CanTransition(next) {
				rt.Fatalf("terminal status %s accepted transition to %s", current, next)
			}
			if !current.CanTransition(next) {
				continue
			}
			switch current {
			case TaskPending:
				if next != TaskRunning && next != TaskCancelled {
					rt.Fatalf("illegal transition %s -> %s accepted", current, next)
				}
			case TaskRunning:
				if next != TaskCompleted && next != TaskFailed && next != TaskCancelled {
					rt.Fatalf("illegal transition %s -> %s accepted", current, next)
				}
			default:
				rt.Fatalf("transition out of %s accepted", current)
			}
			current = next
			if current.Terminal() {
				sawTerminal = true
			}
		}
	})
}
