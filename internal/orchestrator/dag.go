package orchestrator

import (
	"fmt"

	"github.com/basket/agentcom/internal/llm"
)

// NormalizeDeps validates depends_on indices and converts them to
// 0-based. Decomposers emit 0- or 1-based indices; the 0-based reading
// wins when both are coherent. Indices must be in range, never self,
// and only reference earlier tasks.
func NormalizeDeps(tasks []llm.DecomposedTask) ([][]int, error) {
	n := len(tasks)
	zeroErr := checkDeps(tasks, 0)
	if zeroErr == nil {
		return collectDeps(tasks, 0), nil
	}
	if n > 0 && checkDeps(tasks, 1) == nil {
		return collectDeps(tasks, 1), nil
	}
	return nil, zeroErr
}

// checkDeps validates indices under the given base offset.
func checkDeps(tasks []llm.DecomposedTask, base int) error {
	n := len(tasks)
	for i, t := range tasks {
		for _, raw := range t.DependsOn {
			idx := raw - base
			if idx < 0 || idx >= n {
				return fmt.Errorf("task %d: dependency index %d out of range", i, raw)
			}
			if idx == i {
				return fmt.Errorf("task %d: depends on itself", i)
			}
			if idx > i {
				return fmt.Errorf("task %d: forward dependency on task %d", i, idx)
			}
		}
	}
	return nil
}

func collectDeps(tasks []llm.DecomposedTask, base int) [][]int {
	out := make([][]int, len(tasks))
	for i, t := range tasks {
		deps := make([]int, 0, len(t.DependsOn))
		for _, raw := range t.DependsOn {
			deps = append(deps, raw-base)
		}
		out[i] = deps
	}
	return out
}

// TopoOrder runs Kahn's algorithm over normalized dependencies and
// returns a flat submission order. A cycle yields an error; validate
// and order agree on every input.
func TopoOrder(deps [][]int) ([]int, error) {
	n := len(deps)
	inDegree := make([]int, n)
	dependents := make([][]int, n)
	for i, ds := range deps {
		inDegree[i] = len(ds)
		for _, d := range ds {
			dependents[d] = append(dependents[d], i)
		}
	}

	var queue []int
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	var order []int
	for len(queue) > 0 {
		// Lowest index first keeps the order deterministic.
		min := 0
		for i := range queue {
			if queue[i] < queue[min] {
				min = i
			}
		}
		node := queue[min]
		queue = append(queue[:min], queue[min+1:]...)
		order = append(order, node)
		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != n {
		return nil, fmt.Errorf("cycle detected in task dependencies")
	}
	return order, nil
}
