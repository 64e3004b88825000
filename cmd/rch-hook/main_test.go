package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDecideRequest_AlwaysReportsShellRegardlessOfShimmedBinary guards
// against regressing to filepath.Base(os.Args[0]): whichever toolchain
// binary this hook is PATH-shimmed to stand in for, the classifier's
// "tool" field must stay "shell" or its Tier 0 non_shell_tool guard
// rejects every real invocation before classification ever runs.
func TestDecideRequest_AlwaysReportsShellRegardlessOfShimmedBinary(t *testing.T) {
	cases := []struct {
		name string
		argv []string
	}{
		{"cargo", []string{"cargo", "build", "--release"}},
		{"bun", []string{"bun", "install"}},
		{"gcc", []string{"gcc", "-c", "main.c", "-o", "main.o"}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			req := decideRequest(tt.argv, "/home/dev/project")
			assert.Equal(t, "shell", req.Tool)
			assert.Equal(t, "/home/dev/project", req.Cwd)
			assert.Contains(t, req.Command, tt.argv[0])
		})
	}
}
