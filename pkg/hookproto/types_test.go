package hookproto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTripsDecideRequest(t *testing.T) {
	var buf bytes.Buffer
	req := DecideRequest{Tool: "shell", Command: "cargo build --release", Cwd: "/home/dev/proj"}
	require.NoError(t, WriteEnvelope(&buf, OpDecide, req))

	env, err := ReadEnvelope(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, OpDecide, env.Op)

	var got DecideRequest
	require.NoError(t, json.Unmarshal(env.Body, &got))
	assert.Equal(t, req, got)
}

func TestEnvelope_DecideResponseRewrite(t *testing.T) {
	var buf bytes.Buffer
	resp := DecideResponse{
		Kind:            AllowWithRewrite,
		Argv:            []string{"ssh", "worker1", "cargo", "build", "--release"},
		EnvAdditions:    map[string]string{"CARGO_TERM_COLOR": "always"},
		PostActionToken: "tok-123",
	}
	require.NoError(t, WriteEnvelope(&buf, "decide_response", resp))

	env, err := ReadEnvelope(bufio.NewReader(&buf))
	require.NoError(t, err)

	var got DecideResponse
	require.NoError(t, json.Unmarshal(env.Body, &got))
	assert.Equal(t, resp, got)
}

func TestReadEnvelope_EmptyInputIsError(t *testing.T) {
	_, err := ReadEnvelope(bufio.NewReader(bytes.NewReader(nil)))
	assert.Error(t, err)
}
