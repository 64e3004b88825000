/*
Package api serves the daemon's local control socket: a host-local unix
stream socket at a well-known path ($XDG_RUNTIME_DIR/rch.sock, or
/tmp/rch.sock when that variable is unset), permission
bits 0600. The wire protocol is deliberately not HTTP or gRPC — one
request line "METHOD PATH\n", an optional JSON body after a blank line,
and a response status line followed by a JSON body — so that cmd/rch and
cmd/rch-hook can speak it with nothing heavier than net.Dial and
bufio.Reader.

GET /status, /health, /ready, /metrics, /events, /select-worker, /budget
and POST /release-worker, /reload, /shutdown, /decide, /complete, /cancel
are the fixed surface. POST /run is additive: it is how the hook
retrieves a build's streamed stdout/stderr and exit code for the token
Decide handed back, without the daemon spawning a second subprocess (see
pkg/daemon's package comment for why Decide cannot return that inline).
*/
package api
