package graph

import "github.com/kingrea/trellis/internal/workflow"

const (
	white = iota
	grey
	black
)

func (g *Graph) checkAcyclic(ids []string) error {
	return g.checkAcyclicWith(nil, ids)
}

// checkAcyclicWith runs a depth-first search over dependency edges starting at
// ids, looking tasks up in staged before the committed graph. A grey node
// reached again closes a cycle; the returned error carries the path.
func (g *Graph) checkAcyclicWith(staged map[string]*workflow.Task, ids []string) error {
	lookup := func(id string) *workflow.Task {
		if task, ok := staged[id]; ok {
			return task
		}
		return g.tasks[id]
	}
	colour := map[string]int{}
	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		colour[id] = grey
		stack = append(stack, id)
		task := lookup(id)
		if task != nil {
			for _, dep := range task.DependsOn {
				switch colour[dep] {
				case grey:
					return workflow.CycleError(cyclePath(stack, dep))
				case white:
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black
		return nil
	}
	for _, id := range ids {
		if colour[id] != white {
			continue
		}
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func cyclePath(stack []string, closing string) []string {
	start := 0
	for i, id := range stack {
		if id == closing {
			start = i
			break
		}
	}
	path := append([]string{}, stack[start:]...)
	return append(path, closing)
}
