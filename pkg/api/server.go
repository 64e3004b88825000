package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/daemon"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/events"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/hookproto"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/log"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/metrics"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/registry"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/transport"
	"github.com/Dicklesworthstone/remote-compilation-helper-sub002/pkg/types"
)

// DefaultSocketPath is the control socket's well-known location.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/rch.sock"
	}
	return "/tmp/rch.sock"
}

// requestTimeout bounds every request except the long-lived streaming
// ones (/events, /run), which run for the life of the connection instead.
const requestTimeout = 30 * time.Second

// statusResponse is the body for GET /status.
type statusResponse struct {
	Workers    []registry.WorkerView  `json:"workers"`
	InFlight   []daemon.InFlightBuild `json:"in_flight"`
	QueueDepth int                    `json:"queue_depth"`
}

// reloadRequest is the wire shape of POST /reload's body: the full
// current worker roster, as cmd/rch's "daemon reload" re-reads it from
// workers.toml.
type reloadRequest struct {
	Workers []workerSpec `json:"workers"`
}

type workerSpec struct {
	ID           string `json:"id"`
	Host         string `json:"host"`
	User         string `json:"user"`
	IdentityFile string `json:"identity_file"`
	TotalSlots   int    `json:"total_slots"`
	Priority     int    `json:"priority"`
}

func (w workerSpec) toWorkerAndEndpoint() (types.Worker, transport.Endpoint) {
	worker := types.Worker{
		ID:         w.ID,
		Host:       w.Host,
		User:       w.User,
		IdentityFile: w.IdentityFile,
		TotalSlots: w.TotalSlots,
		Priority:   w.Priority,
	}
	ep := transport.Endpoint{Host: w.Host, User: w.User, IdentityFile: w.IdentityFile}
	return worker, ep
}

// handler processes one decoded request and returns a status line plus
// the JSON body to send back.
type handler func(cc *connCtx, body []byte) (status string, resp any, err error)

// connCtx carries per-connection state a handler may need beyond the
// request body: a bounded context, and the raw buffered connection for
// handlers that stream rather than reply once.
type connCtx struct {
	ctx context.Context
	rw  *bufio.ReadWriter
}

// Server listens on the control socket and dispatches every
// "METHOD PATH\n[\nJSON-body]" request to its registered handler.
type Server struct {
	d          *daemon.Daemon
	socketPath string
	logger     zerolog.Logger

	ln net.Listener

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New builds a Server bound to d; callers still call Start to begin
// listening on socketPath.
func New(d *daemon.Daemon, socketPath string) *Server {
	return &Server{
		d:          d,
		socketPath: socketPath,
		logger:     log.WithComponent("api"),
	}
}

// Start removes any stale socket file, listens, chmods to 0600 (§6: the
// control socket must not be readable by other local users), and begins
// accepting connections in the background.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			s.logger.Warn().Err(err).Msg("control socket accept failed")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Stop closes the listener, waits for in-flight connections to drain, and
// removes the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	requestLine, err := rw.ReadString('\n')
	if err != nil {
		return
	}
	fields := strings.Fields(requestLine)
	if len(fields) != 2 {
		writeStatus(rw, "400 Bad Request", map[string]string{"error": "malformed request line"})
		return
	}
	method, path := fields[0], fields[1]

	var body []byte
	if method == "POST" {
		body = readBodyAfterBlankLine(rw.Reader)
	}

	// /events and /run hold the connection open for the life of a
	// subscription or a build; everything else is a single bounded
	// request/response. A write error (the usual sign the peer hung up)
	// ends either loop on its next attempt to send.
	if method == "GET" && path == "/events" {
		s.handleEvents(&connCtx{ctx: context.Background(), rw: rw})
		return
	}
	if method == "POST" && path == "/run" {
		s.handleRun(&connCtx{ctx: context.Background(), rw: rw}, body)
		return
	}
	if method == "GET" && path == "/metrics" {
		s.handleMetrics(rw)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	cc := &connCtx{ctx: ctx, rw: rw}

	h, ok := s.routes()[method+" "+path]
	if !ok {
		writeStatus(rw, "404 Not Found", map[string]string{"error": "unknown method/path"})
		return
	}
	status, resp, herr := h(cc, body)
	if herr != nil {
		writeStatus(rw, status, map[string]string{"error": herr.Error()})
		return
	}
	writeStatus(rw, status, resp)
}

func (s *Server) routes() map[string]handler {
	return map[string]handler{
		"GET /status":          s.handleStatus,
		"GET /health":          s.handleHealth,
		"GET /ready":           s.handleReady,
		"GET /select-worker":   s.handleSelectWorker,
		"GET /budget":          s.handleBudget,
		"POST /release-worker": s.handleReleaseWorker,
		"POST /reload":         s.handleReload,
		"POST /shutdown":       s.handleShutdown,
		"POST /decide":         s.handleDecide,
		"POST /complete":       s.handleComplete,
		"POST /cancel":         s.handleCancel,
	}
}

// readBodyAfterBlankLine reads the rest of the request past the blank
// line separating the request line from its JSON body (§6's "optional
// JSON body after a blank line").
func readBodyAfterBlankLine(r *bufio.Reader) []byte {
	var buf bytes.Buffer
	sawBlank := false
	for {
		line, err := r.ReadString('\n')
		if line == "\r\n" || line == "\n" {
			sawBlank = true
		} else if sawBlank {
			buf.WriteString(line)
		}
		if err != nil {
			break
		}
	}
	return buf.Bytes()
}

func writeStatus(rw *bufio.ReadWriter, status string, body any) {
	fmt.Fprintf(rw, "HTTP/1.1 %s\r\n\r\n", status)
	if body != nil {
		_ = json.NewEncoder(rw).Encode(body)
	}
	_ = rw.Flush()
}

func (s *Server) handleStatus(_ *connCtx, _ []byte) (string, any, error) {
	return "200 OK", statusResponse{
		Workers:    s.d.Snapshot(),
		InFlight:   s.d.InFlightBuilds(),
		QueueDepth: s.d.QueueDepth(),
	}, nil
}

func (s *Server) handleHealth(_ *connCtx, _ []byte) (string, any, error) {
	return "200 OK", map[string]string{"status": "ok"}, nil
}

func (s *Server) handleReady(_ *connCtx, _ []byte) (string, any, error) {
	return "200 OK", map[string]any{"ready": true, "worker_count": len(s.d.Snapshot())}, nil
}

// handleMetrics writes GET /metrics as raw text exposition format, not
// JSON — the one response body on this socket that isn't.
func (s *Server) handleMetrics(rw *bufio.ReadWriter) {
	var buf bytes.Buffer
	if err := metrics.WriteText(&buf); err != nil {
		writeStatus(rw, "500 Internal Server Error", map[string]string{"error": err.Error()})
		return
	}
	fmt.Fprintf(rw, "HTTP/1.1 200 OK\r\n\r\n")
	_, _ = rw.Write(buf.Bytes())
	_ = rw.Flush()
}

func (s *Server) handleSelectWorker(_ *connCtx, body []byte) (string, any, error) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	_ = json.Unmarshal(body, &req)
	view, ok := s.d.SelectWorker(req.Fingerprint)
	if !ok {
		return "503 Service Unavailable", map[string]string{"error": "no eligible worker"}, nil
	}
	return "200 OK", view, nil
}

func (s *Server) handleBudget(_ *connCtx, _ []byte) (string, any, error) {
	return "200 OK", s.d.Budget(), nil
}

func (s *Server) handleReleaseWorker(_ *connCtx, body []byte) (string, any, error) {
	var req struct {
		Token string `json:"token"`
		Admin string `json:"admin"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "400 Bad Request", nil, err
	}
	if req.Admin != "" {
		// cmd/rch's workers enable/disable/drain send the worker id as token.
		if err := s.d.SetWorkerAdmin(req.Token, types.AdminFlag(req.Admin)); err != nil {
			return "409 Conflict", nil, err
		}
		return "200 OK", map[string]bool{"ok": true}, nil
	}
	if err := s.d.AdminReleaseWorker(req.Token); err != nil {
		return "409 Conflict", nil, err
	}
	return "200 OK", map[string]bool{"ok": true}, nil
}

func (s *Server) handleReload(cc *connCtx, body []byte) (string, any, error) {
	var req reloadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "400 Bad Request", nil, err
	}
	workers := make([]types.Worker, 0, len(req.Workers))
	endpoints := make(map[string]transport.Endpoint, len(req.Workers))
	for _, spec := range req.Workers {
		w, ep := spec.toWorkerAndEndpoint()
		workers = append(workers, w)
		endpoints[w.ID] = ep
	}
	if err := s.d.Reload(cc.ctx, workers, endpoints); err != nil {
		return "500 Internal Server Error", nil, err
	}
	return "200 OK", map[string]bool{"ok": true}, nil
}

func (s *Server) handleShutdown(_ *connCtx, _ []byte) (string, any, error) {
	go func() {
		_ = s.d.Shutdown(context.Background())
		_ = s.Stop()
	}()
	return "200 OK", map[string]bool{"ok": true}, nil
}

func (s *Server) handleDecide(cc *connCtx, body []byte) (string, any, error) {
	var req hookproto.DecideRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "400 Bad Request", nil, err
	}
	resp, err := s.d.Decide(cc.ctx, req)
	if err != nil {
		return "500 Internal Server Error", nil, err
	}
	return "200 OK", resp, nil
}

func (s *Server) handleComplete(cc *connCtx, body []byte) (string, any, error) {
	var req hookproto.CompleteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "400 Bad Request", nil, err
	}
	resp, err := s.d.Complete(cc.ctx, req)
	if err != nil {
		return "500 Internal Server Error", nil, err
	}
	return "200 OK", resp, nil
}

func (s *Server) handleCancel(cc *connCtx, body []byte) (string, any, error) {
	var req hookproto.CancelRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "400 Bad Request", nil, err
	}
	resp, err := s.d.Cancel(cc.ctx, req)
	if err != nil {
		return "500 Internal Server Error", nil, err
	}
	return "200 OK", resp, nil
}

// handleRun streams a build's captured stdout/stderr raw to the caller,
// then a final newline-delimited JSON object carrying the exit code (or
// an error if the pipeline never completed). This is the additive
// endpoint cmd/rch-hook dials after an allow_with_rewrite decision; see
// pkg/daemon's package comment for why Decide can't return this inline.
func (s *Server) handleRun(cc *connCtx, body []byte) {
	var req struct {
		Token string `json:"token"`
	}
	rw := cc.rw
	if err := json.Unmarshal(body, &req); err != nil {
		writeStatus(rw, "400 Bad Request", map[string]string{"error": err.Error()})
		return
	}
	fmt.Fprintf(rw, "HTTP/1.1 200 OK\r\n\r\n")
	_ = rw.Flush()

	exitCode, err := s.d.Stream(cc.ctx, req.Token, rw)
	_ = rw.Flush()
	if err != nil {
		_ = json.NewEncoder(rw).Encode(map[string]any{"done": true, "error": err.Error()})
	} else {
		_ = json.NewEncoder(rw).Encode(map[string]any{"done": true, "exit_code": exitCode})
	}
	_ = rw.Flush()
}

// handleEvents relays the broker's feed as newline-delimited JSON until
// the connection closes — a server-sent-event stream without the MIME
// ceremony a unix-socket client doesn't need.
func (s *Server) handleEvents(cc *connCtx) {
	rw := cc.rw
	fmt.Fprintf(rw, "HTTP/1.1 200 OK\r\n\r\n")
	_ = rw.Flush()

	sub := s.d.Events().Subscribe()
	defer s.d.Events().Unsubscribe(sub)

	for {
		select {
		case <-cc.ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := writeEvent(rw, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(rw *bufio.ReadWriter, ev *events.Event) error {
	if err := json.NewEncoder(rw).Encode(ev); err != nil {
		return err
	}
	return rw.Flush()
}
