// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/wingedpig/arbor/internal/activity"
	"github.com/wingedpig/arbor/internal/gitdiff"
	"github.com/wingedpig/arbor/internal/output"
	"github.com/wingedpig/arbor/internal/session"
	"github.com/wingedpig/arbor/internal/worker"
)

const (
	outputFlushInterval   = 50 * time.Millisecond
	initialHistoryTimeout = 15 * time.Second
	requestHistoryTimeout = 5 * time.Second
)

// Worker-channel error codes not owned by the session package.
const (
	codeHistoryLoadFailed   = "HISTORY_LOAD_FAILED"
	codeJobQueueUnavailable = "JOB_QUEUE_UNAVAILABLE"
	codePtyUnavailable      = "PTY_UNAVAILABLE"
)

// workerClientMessage is the tagged union of client-to-server messages.
type workerClientMessage struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Cols   int    `json:"cols,omitempty"`
	Rows   int    `json:"rows,omitempty"`
	Commit string `json:"commit,omitempty"`
}

type outputMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type historyMessage struct {
	Type        string `json:"type"`
	Data        string `json:"data"`
	Offset      int64  `json:"offset"`
	WasRestored bool   `json:"wasRestored"`
}

type exitMessage struct {
	Type     string  `json:"type"`
	ExitCode int     `json:"exitCode"`
	Signal   *string `json:"signal"`
}

type activityMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type diffMessage struct {
	Type string         `json:"type"`
	Data gitdiff.Update `json:"data"`
}

// wsConn serializes writes to one worker-channel socket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) sendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout))
}

func (c *wsConn) sendError(code, message string) {
	if err := c.sendJSON(errorMessage{Type: "error", Message: message, Code: code}); err != nil {
		log.Printf("Worker WebSocket: sending error frame: %v", err)
	}
}

func (c *wsConn) sendExit(exitCode int, signal *string) {
	if err := c.sendJSON(exitMessage{Type: "exit", ExitCode: exitCode, Signal: signal}); err != nil {
		log.Printf("Worker WebSocket: sending exit frame: %v", err)
	}
}

// WorkerSocketConfig sizes the per-connection output coalescing and the
// initial history read.
type WorkerSocketConfig struct {
	InitialHistoryLines int
	FlushThresholdBytes int
}

func (c WorkerSocketConfig) withDefaults() WorkerSocketConfig {
	if c.InitialHistoryLines <= 0 {
		c.InitialHistoryLines = 1000
	}
	if c.FlushThresholdBytes <= 0 {
		c.FlushThresholdBytes = 8 * 1024
	}
	return c
}

// WorkerSocket handles the per-worker WebSocket channel: scrollback
// replay, live PTY I/O and git-diff streams.
type WorkerSocket struct {
	sessions  *session.Manager
	lifecycle *session.Lifecycle
	diffs     *gitdiff.Hub
	cfg       WorkerSocketConfig

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewWorkerSocket creates the worker-channel handler. diffs may be nil
// when git-diff workers are disabled.
func NewWorkerSocket(sessions *session.Manager, lifecycle *session.Lifecycle, diffs *gitdiff.Hub, cfg WorkerSocketConfig) *WorkerSocket {
	return &WorkerSocket{
		sessions:  sessions,
		lifecycle: lifecycle,
		diffs:     diffs,
		cfg:       cfg.withDefaults(),
		conns:     make(map[*websocket.Conn]struct{}),
	}
}

func (h *WorkerSocket) trackConn(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *WorkerSocket) untrackConn(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Shutdown closes all active worker sockets so the HTTP server can drain.
func (h *WorkerSocket) Shutdown() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	if len(conns) > 0 {
		log.Printf("Worker WebSocket: closing %d active connections", len(conns))
	}
	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// WebSocket handles one worker-channel connection.
func (h *WorkerSocket) WebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID := vars["sessionID"]
	workerID := vars["workerID"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Worker WebSocket: upgrade failed: %v", err)
		return
	}
	h.trackConn(conn)
	defer func() {
		h.untrackConn(conn)
		conn.Close()
	}()

	sock := &wsConn{conn: conn}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sock.ping(); err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	wk, ok := h.lifecycle.Worker(sessionID, workerID)
	if !ok {
		sock.sendError(session.CodeWorkerNotFound, "worker not found")
		sock.sendExit(1, nil)
		return
	}

	if wk.Type == worker.TypeGitDiff {
		h.serveGitDiff(sock, sessionID, workerID, wk)
		return
	}
	h.servePty(sock, sessionID, workerID)
}

// servePty restores the worker if hibernated, attaches output callbacks,
// replays history and then relays client input until disconnect.
func (h *WorkerSocket) servePty(sock *wsConn, sessionID, workerID string) {
	res := h.lifecycle.RestoreWorker(sessionID, workerID)
	if res.ErrorCode != "" {
		sock.sendError(res.ErrorCode, restoreErrorMessage(res.ErrorCode))
		sock.sendExit(1, nil)
		return
	}

	buffer := newOutputBuffer(h.cfg.FlushThresholdBytes, func(p []byte) error {
		return sock.sendJSON(outputMessage{Type: "output", Data: strings.ToValidUTF8(string(p), "")})
	})
	defer buffer.stop()

	cbs := &worker.ConnectionCallbacks{
		OnData: buffer.add,
		OnExit: func(exitCode int, signal string) {
			// Ship pending output before the exit marker so clients render
			// the final bytes.
			buffer.drainNow()
			var sig *string
			if signal != "" {
				sig = &signal
			}
			sock.sendExit(exitCode, sig)
		},
		OnActivityChange: func(state activity.State) {
			sock.sendJSON(activityMessage{Type: "activity", State: string(state)})
		},
	}
	connID, ok := h.lifecycle.AttachWorkerCallbacks(sessionID, workerID, cbs)
	if !ok {
		sock.sendError(session.CodeWorkerNotFound, "worker not found")
		sock.sendExit(1, nil)
		return
	}
	defer h.lifecycle.DetachWorkerCallbacks(sessionID, workerID, connID)

	h.sendHistory(sock, sessionID, workerID, res.WasRestored, initialHistoryTimeout)

	if st := h.lifecycle.WorkerActivityState(sessionID, workerID); st != activity.StateUnknown {
		sock.sendJSON(activityMessage{Type: "activity", State: string(st)})
	}

	h.readLoop(sock, sessionID, workerID, false)
}

// serveGitDiff attaches the connection to the worker's diff stream.
func (h *WorkerSocket) serveGitDiff(sock *wsConn, sessionID, workerID string, wk *worker.Worker) {
	view, ok := h.sessions.GetView(sessionID)
	if !ok {
		sock.sendError(session.CodeWorkerNotFound, "session not found")
		sock.sendExit(1, nil)
		return
	}
	if h.diffs == nil {
		sock.sendError(session.CodeActivationFailed, "git-diff streaming is not configured")
		return
	}

	sink := func(u gitdiff.Update) {
		if err := sock.sendJSON(diffMessage{Type: "diff", Data: u}); err != nil {
			log.Printf("Worker WebSocket: diff write for %s: %v", workerID, err)
		}
	}
	connID, err := h.diffs.Attach(workerID, view.LocationPath, wk.View().BaseCommit, sink)
	if err != nil {
		sock.sendError(session.CodeActivationFailed, err.Error())
		return
	}
	defer h.diffs.Detach(workerID, connID)

	h.readLoop(sock, sessionID, workerID, true)
}

// sendHistory ships the scrollback tail. A stalled file read falls back to
// the in-memory ring; total failure surfaces HISTORY_LOAD_FAILED.
func (h *WorkerSocket) sendHistory(sock *wsConn, sessionID, workerID string, wasRestored bool, timeout time.Duration) {
	type result struct {
		hist output.History
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		hist, err := h.lifecycle.GetWorkerOutputHistory(sessionID, workerID, 0, h.cfg.InitialHistoryLines)
		ch <- result{hist, err}
	}()

	var hist output.History
	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, session.ErrWorkerNotFound) {
				sock.sendError(session.CodeWorkerNotFound, "worker not found")
				return
			}
			log.Printf("Worker WebSocket: loading history for %s/%s: %v", sessionID, workerID, res.err)
			sock.sendError(codeHistoryLoadFailed, "failed to load history")
			return
		}
		hist = res.hist
	case <-time.After(timeout):
		ring := h.lifecycle.WorkerRing(sessionID, workerID)
		if ring == nil {
			sock.sendError(codeHistoryLoadFailed, "failed to load history")
			return
		}
		log.Printf("Worker WebSocket: history read for %s/%s timed out, serving ring buffer", sessionID, workerID)
		hist = output.History{Data: ring}
	}

	sock.sendJSON(historyMessage{
		Type:        "history",
		Data:        strings.ToValidUTF8(string(hist.Data), ""),
		Offset:      hist.Offset,
		WasRestored: wasRestored,
	})
}

// readLoop dispatches client messages until the socket closes. Only the
// connection's own callbacks are detached afterwards; other tabs stay
// attached.
func (h *WorkerSocket) readLoop(sock *wsConn, sessionID, workerID string, gitDiff bool) {
	for {
		sock.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		_, raw, err := sock.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Worker WebSocket: read error for %s/%s: %v", sessionID, workerID, err)
			}
			return
		}

		var msg workerClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("Worker WebSocket: invalid message for %s/%s: %v", sessionID, workerID, err)
			continue
		}

		switch msg.Type {
		case "input":
			if gitDiff {
				continue
			}
			if err := h.lifecycle.WriteWorkerInput(sessionID, workerID, []byte(msg.Data)); err != nil {
				h.sendWorkerError(sock, err)
			}
		case "resize":
			if gitDiff {
				continue
			}
			if msg.Cols > 0 && msg.Rows > 0 {
				if err := h.lifecycle.ResizeWorker(sessionID, workerID, uint16(msg.Cols), uint16(msg.Rows)); err != nil {
					log.Printf("Worker WebSocket: resize %s/%s: %v", sessionID, workerID, err)
				}
			}
		case "request-history":
			if gitDiff {
				continue
			}
			h.sendHistory(sock, sessionID, workerID, false, requestHistoryTimeout)
		case "set-base-commit":
			if !gitDiff {
				continue
			}
			commit := strings.TrimSpace(msg.Commit)
			if commit == "" {
				continue
			}
			if err := h.lifecycle.SetWorkerBaseCommit(sessionID, workerID, commit); err != nil {
				h.sendWorkerError(sock, err)
				continue
			}
			h.diffs.SetBaseCommit(workerID, commit)
		default:
			log.Printf("Worker WebSocket: unknown message type %q for %s/%s", msg.Type, sessionID, workerID)
		}
	}
}

// sendWorkerError maps lifecycle errors to the worker-channel error codes.
// Errors without a code are logged only.
func (h *WorkerSocket) sendWorkerError(sock *wsConn, err error) {
	switch {
	case errors.Is(err, session.ErrWorkerNotFound), errors.Is(err, session.ErrSessionNotFound):
		sock.sendError(session.CodeWorkerNotFound, "worker not found")
	case errors.Is(err, worker.ErrNotActive):
		sock.sendError(codePtyUnavailable, "worker has no active pty")
	case errors.Is(err, session.ErrJobQueueUnavailable):
		sock.sendError(codeJobQueueUnavailable, "job queue unavailable")
	default:
		log.Printf("Worker WebSocket: %v", err)
	}
}

func restoreErrorMessage(code string) string {
	switch code {
	case session.CodePathNotFound:
		return "session path no longer exists"
	case session.CodeActivationFailed:
		return "failed to activate worker"
	default:
		return "worker not found"
	}
}

// outputBuffer coalesces PTY output per connection. Chunks accumulate and
// a dedicated writer goroutine flushes them every 50 ms, or immediately
// when the pending bytes reach the threshold, so a slow socket never
// stalls the PTY pump. Exit, activity and error frames bypass it.
type outputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	threshold int
	stopped   bool

	emitMu sync.Mutex
	emit   func([]byte) error

	kick chan struct{}
	done chan struct{}
}

func newOutputBuffer(threshold int, emit func([]byte) error) *outputBuffer {
	b := &outputBuffer{
		threshold: threshold,
		emit:      emit,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *outputBuffer) add(p []byte) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.buf.Write(p)
	over := b.buf.Len() >= b.threshold
	b.mu.Unlock()

	if over {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *outputBuffer) run() {
	ticker := time.NewTicker(outputFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.kick:
		case <-ticker.C:
		case <-b.done:
			return
		}
		if err := b.drainNow(); err != nil {
			// Dead socket; stop accepting output.
			b.markStopped()
			return
		}
	}
}

// drainNow flushes everything pending. Also called directly on exit so the
// final bytes precede the exit frame.
func (b *outputBuffer) drainNow() error {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	data := b.take()
	if len(data) == 0 {
		return nil
	}
	return b.emit(data)
}

// take drains the pending bytes, holding back a trailing partial rune so a
// flush never splits a codepoint across frames.
func (b *outputBuffer) take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.buf.Bytes()
	cut := len(data)
	for back := 1; back < utf8.UTFMax && back <= len(data); back++ {
		if utf8.RuneStart(data[len(data)-back]) {
			if !utf8.FullRune(data[len(data)-back:]) {
				cut = len(data) - back
			}
			break
		}
	}
	if cut == 0 {
		// Nothing but a partial rune; ship it rather than stall.
		cut = len(data)
	}

	out := make([]byte, cut)
	copy(out, data[:cut])
	rest := make([]byte, len(data)-cut)
	copy(rest, data[cut:])
	b.buf.Reset()
	b.buf.Write(rest)
	return out
}

func (b *outputBuffer) markStopped() {
	b.mu.Lock()
	b.stopped = true
	b.buf.Reset()
	b.mu.Unlock()
}

// stop cancels this connection's flush loop. Other connections and the
// PTY itself are unaffected.
func (b *outputBuffer) stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.buf.Reset()
	b.mu.Unlock()
	close(b.done)
}
