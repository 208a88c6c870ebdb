// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// errMalformedFrame marks a frame that could not be read but after which
// the stream is still usable.
var errMalformedFrame = errors.New("malformed frame")

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request is an outbound JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is an inbound JSON-RPC response to one of our requests.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error member of a JSON-RPC response.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is a JSON-RPC message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// replyMessage answers a request the analyzer sent to us. The id is echoed
// verbatim because servers may use string ids.
type replyMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError   `json:"error,omitempty"`
}

// NotificationHandler handles a notification from the analyzer. It runs on
// the read loop and must not block.
type NotificationHandler func(params json.RawMessage)

// RequestHandler answers a request from the analyzer. It runs on its own
// goroutine. Returning an *LSPError sends that code back.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// =============================================================================
// PENDING REQUESTS
// =============================================================================

type callResult struct {
	resp *Response
	err  error
}

// pendingRequest is removed from the pending map exactly once, by whichever
// of response, deadline, cancellation or close gets there first. Only the
// remover writes to done.
type pendingRequest struct {
	id     int64
	method string
	done   chan callResult
	timer  *time.Timer
	sent   time.Time
}

// =============================================================================
// PROTOCOL
// =============================================================================

// Protocol is the duplex JSON-RPC channel to one analyzer process.
//
// Description:
//
//	Frames outbound requests and notifications with Content-Length
//	headers, matches inbound responses to pending requests by id, and
//	dispatches inbound notifications and server requests to registered
//	handlers. Every pending request is completed exactly once: by its
//	response, its deadline, its caller's context, or channel close.
//
// Thread Safety:
//
//	Safe for concurrent use. ReadLoop must run on a single goroutine.
type Protocol struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
	nextID  atomic.Int64
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest
	closed    bool

	handlersMu    sync.RWMutex
	notifications map[string]NotificationHandler
	requests      map[string]RequestHandler
}

// NewProtocol creates a channel reading analyzer output from r and writing
// client messages to w. A nil logger uses slog.Default().
func NewProtocol(r io.Reader, w io.Writer, logger *slog.Logger) *Protocol {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReader(r)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		reader:        reader,
		writer:        w,
		logger:        logger,
		pending:       make(map[int64]*pendingRequest),
		notifications: make(map[string]NotificationHandler),
		requests:      make(map[string]RequestHandler),
	}
}

// OnNotification registers the handler for an inbound notification method.
func (p *Protocol) OnNotification(method string, h NotificationHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.notifications[method] = h
}

// OnRequest registers the handler for an inbound request method.
func (p *Protocol) OnRequest(method string, h RequestHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.requests[method] = h
}

// SendRequest sends a request and waits for its response.
//
// Description:
//
//	Allocates a fresh id, registers the pending record and its deadline
//	timer, then writes the frame. The caller is released by exactly one
//	of: the matching response, the deadline (ErrRequestTimeout), ctx
//	ending, or the channel closing (ErrProcessTerminated). A timeout of
//	zero or less disables the per-request deadline.
//
// Inputs:
//
//	ctx - Context for cancellation. A context deadline is reported as
//	      ErrRequestTimeout.
//	method - The LSP method to invoke.
//	params - Method parameters, JSON-marshaled.
//	timeout - Per-request deadline.
//
// Outputs:
//
//	*Response - The analyzer's response (never carries an Error member).
//	error - *LSPError for error responses, otherwise a transport error.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (*Response, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}

	id := p.nextID.Add(1)
	pr := &pendingRequest{
		id:     id,
		method: method,
		done:   make(chan callResult, 1),
		sent:   time.Now(),
	}

	p.pendingMu.Lock()
	if p.closed {
		p.pendingMu.Unlock()
		return nil, ErrServerNotRunning
	}
	p.pending[id] = pr
	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() {
			p.complete(id, callResult{
				err: fmt.Errorf("%w: %s after %v", ErrRequestTimeout, method, timeout),
			})
		})
	}
	p.pendingMu.Unlock()
	recordPendingDelta(1)

	err := p.writeMessage(Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		p.complete(id, callResult{err: fmt.Errorf("write request: %w", err)})
	}

	var res callResult
	select {
	case res = <-pr.done:
	case <-ctx.Done():
		cerr := ctx.Err()
		if errors.Is(cerr, context.DeadlineExceeded) {
			cerr = fmt.Errorf("%w: %s: %w", ErrRequestTimeout, method, cerr)
		} else {
			cerr = fmt.Errorf("%s: %w", method, cerr)
		}
		p.complete(id, callResult{err: cerr})
		// Whoever removed the record has written to done.
		res = <-pr.done
	}

	if res.err != nil {
		return nil, res.err
	}
	if res.resp.Error != nil {
		return nil, &LSPError{
			Code:    res.resp.Error.Code,
			Message: res.resp.Error.Message,
			Data:    res.resp.Error.Data,
		}
	}
	return res.resp, nil
}

// complete removes the pending record for id and delivers r to its caller.
// It returns false if the record was already gone.
func (p *Protocol) complete(id int64, r callResult) bool {
	p.pendingMu.Lock()
	pr, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()

	if !ok {
		return false
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	recordPendingDelta(-1)
	pr.done <- r
	return true
}

// SendNotification writes a notification. There is no reply.
func (p *Protocol) SendNotification(method string, params any) error {
	if p.isClosed() {
		return ErrServerNotRunning
	}
	return p.writeMessage(Notification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

// PendingCount returns the number of requests awaiting completion.
func (p *Protocol) PendingCount() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

func (p *Protocol) isClosed() bool {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return p.closed
}

// writeMessage marshals v and writes it with a Content-Length header.
func (p *Protocol) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := fmt.Fprintf(p.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := p.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// =============================================================================
// READ LOOP
// =============================================================================

// ReadLoop decodes inbound messages until the stream ends.
//
// Description:
//
//	Responses complete their pending request, notifications go to their
//	handler, and server requests are answered on a separate goroutine.
//	Malformed frames and unparseable bodies are logged and dropped. When
//	the stream ends the channel is closed and every pending request fails
//	with ErrProcessTerminated.
//
// Outputs:
//
//	error - ErrProcessTerminated on EOF, ctx.Err() on cancellation, or the
//	        read error.
//
// Thread Safety:
//
//	Must be called from a single goroutine.
func (p *Protocol) ReadLoop(ctx context.Context) error {
	if p.reader == nil {
		return fmt.Errorf("no reader configured")
	}
	defer p.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := p.readMessage()
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				p.logger.Warn("Dropping malformed frame", slog.String("error", err.Error()))
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
				errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return ErrProcessTerminated
			}
			if p.isClosed() {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		p.dispatch(ctx, body)
	}
}

// readMessage reads one frame body.
func (p *Protocol) readMessage() ([]byte, error) {
	contentLength := -1
	sawHeader := false

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if !sawHeader {
				// Stray blank line between frames.
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: bad header line %q", errMalformedFrame, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: invalid Content-Length %q", errMalformedFrame, value)
			}
			contentLength = n
		}
	}

	if contentLength <= 0 {
		return nil, fmt.Errorf("%w: missing or zero Content-Length", errMalformedFrame)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(p.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// dispatch classifies a message structurally and routes it.
func (p *Protocol) dispatch(ctx context.Context, body []byte) {
	if !gjson.ValidBytes(body) {
		p.logger.Warn("Dropping unparseable message", slog.Int("bytes", len(body)))
		return
	}

	id := gjson.GetBytes(body, "id")
	method := gjson.GetBytes(body, "method")

	switch {
	case method.Exists() && id.Exists():
		p.handleServerRequest(ctx, json.RawMessage(id.Raw), method.String(), rawParams(body))
	case method.Exists():
		p.handleNotification(method.String(), rawParams(body))
	case id.Exists():
		p.handleResponse(id, body)
	default:
		p.logger.Warn("Dropping message with neither id nor method")
	}
}

func rawParams(body []byte) json.RawMessage {
	params := gjson.GetBytes(body, "params")
	if !params.Exists() {
		return nil
	}
	return json.RawMessage(params.Raw)
}

func (p *Protocol) handleResponse(id gjson.Result, body []byte) {
	if id.Type != gjson.Number {
		p.logger.Debug("Response with non-numeric id", slog.String("id", id.Raw))
		return
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		p.logger.Warn("Dropping undecodable response",
			slog.Int64("id", id.Int()),
			slog.String("error", err.Error()),
		)
		return
	}

	if !p.complete(resp.ID, callResult{resp: &resp}) {
		p.logger.Debug("Response for unknown request id (already handled or timed out)",
			slog.Int64("id", resp.ID),
		)
	}
}

func (p *Protocol) handleNotification(method string, params json.RawMessage) {
	p.handlersMu.RLock()
	h, ok := p.notifications[method]
	p.handlersMu.RUnlock()

	if !ok {
		p.logger.Debug("Unhandled notification", slog.String("method", method))
		return
	}
	h(params)
}

func (p *Protocol) handleServerRequest(ctx context.Context, id json.RawMessage, method string, params json.RawMessage) {
	p.handlersMu.RLock()
	h, ok := p.requests[method]
	p.handlersMu.RUnlock()

	if !ok {
		p.logger.Debug("Unhandled server request", slog.String("method", method))
		p.reply(id, nil, &LSPError{Code: CodeMethodNotFound, Message: "method not found: " + method})
		return
	}

	go func() {
		result, err := h(ctx, params)
		p.reply(id, result, err)
	}()
}

// reply answers a server request.
func (p *Protocol) reply(id json.RawMessage, result any, err error) {
	msg := replyMessage{JSONRPC: JSONRPCVersion, ID: id}
	if err != nil {
		var lspErr *LSPError
		if errors.As(err, &lspErr) {
			msg.Error = &ResponseError{Code: lspErr.Code, Message: lspErr.Message, Data: lspErr.Data}
		} else {
			msg.Error = &ResponseError{Code: CodeInternalError, Message: err.Error()}
		}
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			msg.Error = &ResponseError{Code: CodeInternalError, Message: merr.Error()}
		} else {
			rm := json.RawMessage(raw)
			msg.Result = &rm
		}
	}

	if p.isClosed() {
		return
	}
	if werr := p.writeMessage(msg); werr != nil {
		p.logger.Warn("Failed to answer server request", slog.String("error", werr.Error()))
	}
}

// Close marks the channel closed and fails every pending request with
// ErrProcessTerminated. It does not close the underlying streams.
//
// Thread Safety:
//
//	Safe for concurrent use. Idempotent.
func (p *Protocol) Close() {
	p.pendingMu.Lock()
	p.closed = true
	ids := make([]int64, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	p.pendingMu.Unlock()

	for _, id := range ids {
		p.complete(id, callResult{err: ErrProcessTerminated})
	}
}
