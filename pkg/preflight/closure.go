package preflight

// DependencyGraph maps a repository name to the names of the sibling
// repositories it depends on via a local path dependency.
type DependencyGraph map[string][]string

// TransitiveClosure computes every repository reachable from root by
// following local path dependencies, root itself included. The result is
// deduplicated; its order follows map iteration and may differ between
// calls with identical input (callers that need a stable order should
// sort it).
func TransitiveClosure(graph DependencyGraph, root string) []string {
	seen := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range graph[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			queue = append(queue, dep)
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}
