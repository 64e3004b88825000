package preflight

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitiveClosure_FollowsLocalPathDependencies(t *testing.T) {
	graph := DependencyGraph{
		"app":      {"core", "proto"},
		"core":     {"proto"},
		"proto":    {},
		"unrelated": {"also-unrelated"},
	}

	got := TransitiveClosure(graph, "app")
	sort.Strings(got)
	assert.Equal(t, []string{"app", "core", "proto"}, got)
}

func TestTransitiveClosure_HandlesCyclesWithoutLooping(t *testing.T) {
	graph := DependencyGraph{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	}
	got := TransitiveClosure(graph, "a")
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestTransitiveClosure_SingleNodeWithNoDeps(t *testing.T) {
	graph := DependencyGraph{"solo": nil}
	assert.Equal(t, []string{"solo"}, TransitiveClosure(graph, "solo"))
}
