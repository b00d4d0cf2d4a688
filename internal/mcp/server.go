// Package mcp serves the locator as a Model Context Protocol tool server
// over stdio: newline-delimited JSON-RPC 2.0 messages on stdin, responses
// on stdout.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fourma/bikelocator/pkg/logger"
)

// ServerName is reported to clients during initialize.
const ServerName = "4maLocator"

// maxMessageSize bounds one inbound line.
const maxMessageSize = 4 << 20

// HandlerFunc processes one method call. Returning an *Error selects the
// JSON-RPC error code; any other error is reported as an internal error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches JSON-RPC methods. Requests are handled concurrently and
// responses are written in completion order.
type Server struct {
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
	writeMu  sync.Mutex
	logger   *slog.Logger
}

// NewServer returns a Server with no methods registered.
func NewServer() *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		logger:   slog.Default().With("component", "mcp-server"),
	}
}

// Register adds a handler for method, replacing any previous one.
func (s *Server) Register(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	s.logger.Debug("method registered", "method", method)
}

// MethodCount returns the number of registered methods.
func (s *Server) MethodCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Serve reads messages from r until EOF or ctx is cancelled, writing
// responses to w. It waits for in-flight requests before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readLines(ctx, r, lines)
	}()

	s.logger.Info("mcp server ready", "server", ServerName, "methods", s.MethodCount())
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("reading mcp input: %w", err)
			}
			s.logger.Info("mcp input closed")
			return nil
		case line := <-lines:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if resp := s.handleMessage(ctx, line); resp != nil {
					s.write(w, resp)
				}
			}()
		}
	}
}

func readLines(ctx context.Context, r io.Reader, out chan<- []byte) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case out <- bytes.Clone(line):
		case <-ctx.Done():
			return nil
		}
	}
	return sc.Err()
}

// handleMessage decodes and dispatches one message. It returns nil for
// notifications.
func (s *Server) handleMessage(ctx context.Context, line []byte) *Response {
	if line[0] == '[' {
		return errorResponse(nullID, &Error{Code: CodeInvalidRequest, Message: "batch requests are not supported"})
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		if !json.Valid(line) {
			s.logger.Warn("unparseable message", "error", err)
			return errorResponse(nullID, &Error{Code: CodeParseError, Message: "parse error"})
		}
		s.logger.Warn("message is not a request object", "error", err)
		return errorResponse(nullID, &Error{Code: CodeInvalidRequest, Message: "invalid request"})
	}
	if !validID(req.ID) {
		return errorResponse(nullID, &Error{Code: CodeInvalidRequest, Message: "invalid request id"})
	}
	id := req.ID
	if len(id) == 0 {
		id = nullID
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		return errorResponse(id, &Error{Code: CodeInvalidRequest, Message: "invalid request"})
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if req.IsNotification() {
		if ok {
			if _, err := handler(ctx, req.Params); err != nil {
				s.logger.Warn("notification handler failed", "method", req.Method, "error", err)
			}
		} else {
			s.logger.Debug("ignoring notification", "method", req.Method)
		}
		return nil
	}

	if !ok {
		return errorResponse(id, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)})
	}

	ctx = logger.WithRequestID(ctx, uuid.NewString())
	log := logger.FromContext(ctx).With("component", "mcp-server", "method", req.Method, "rpc_id", string(id))
	log.Debug("handling request")

	result, err := handler(ctx, req.Params)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			log.Error("request failed", "error", err)
			rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
		}
		return errorResponse(id, rpcErr)
	}
	if result == nil {
		result = struct{}{}
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: err}
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encoding response failed", "error", err)
		data, _ = json.Marshal(errorResponse(resp.ID, &Error{Code: CodeInternalError, Message: "encoding response failed"}))
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write error", "error", err)
	}
}
