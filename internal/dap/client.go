package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/logging"
)

// Direction tells an Observer which way a message travelled.
type Direction string

const (
	Inbound  Direction = "inbound"  // adapter -> client
	Outbound Direction = "outbound" // client -> adapter
)

// Observer receives every message sent or received by a Client. It is called
// from the read loop for inbound messages and must not block on requests to
// the same client.
type Observer func(dir Direction, msg dap.Message)

// ErrClosed is returned for requests on a client whose connection is gone.
var ErrClosed = errors.New("DAP connection closed")

// ResponseError is a response with success=false.
type ResponseError struct {
	Command string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s request failed: %s", e.Command, e.Message)
}

// Client provides a high-level API for DAP operations
type Client struct {
	transport *Transport
	logger    *zap.Logger

	// Response handling
	pendingRequests map[int]chan dap.Message
	mu              sync.Mutex

	observerMu     sync.RWMutex
	observer       Observer
	startDebugging StartDebuggingHandler

	// Initialization synchronization
	initialized     chan struct{}
	initializedOnce sync.Once

	// done is closed when the read loop exits
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client and starts its read loop
func NewClient(transport *Transport, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:       transport,
		logger:          logging.OrNop(logger),
		pendingRequests: make(map[int]chan dap.Message),
		initialized:     make(chan struct{}),
		done:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// SetObserver installs the message observer. Install it before Initialize so
// the initialize response is seen.
func (c *Client) SetObserver(obs Observer) {
	c.observerMu.Lock()
	c.observer = obs
	c.observerMu.Unlock()
}

func (c *Client) notify(dir Direction, msg dap.Message) {
	c.observerMu.RLock()
	obs := c.observer
	c.observerMu.RUnlock()
	if obs != nil {
		obs(dir, msg)
	}
}

// StartDebuggingHandler starts a child session requested by the adapter
// through the startDebugging reverse request. It runs on its own goroutine.
type StartDebuggingHandler func(args dap.StartDebuggingRequestArguments)

// SetStartDebuggingHandler accepts startDebugging reverse requests. Without a
// handler they are rejected like every other reverse request.
func (c *Client) SetStartDebuggingHandler(h StartDebuggingHandler) {
	c.observerMu.Lock()
	c.startDebugging = h
	c.observerMu.Unlock()
}

// Done is closed once the connection to the adapter is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.done)

	consecutiveErrors := 0
	const maxConsecutiveErrors = 5

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				c.logger.Debug("DAP connection closed", zap.Error(err))
				return
			}
			// Undecodable messages (e.g. adapter-specific events) are skipped.
			consecutiveErrors++
			c.logger.Warn("DAP transport error",
				zap.Int("attempt", consecutiveErrors),
				zap.Int("max_attempts", maxConsecutiveErrors),
				zap.Error(err))
			if consecutiveErrors >= maxConsecutiveErrors {
				c.logger.Error("DAP transport: too many consecutive errors, stopping read loop")
				return
			}
			continue
		}

		consecutiveErrors = 0
		c.handleMessage(msg)
	}
}

// handleMessage routes incoming messages
func (c *Client) handleMessage(msg dap.Message) {
	c.notify(Inbound, msg)

	switch m := msg.(type) {
	case *dap.InitializedEvent:
		c.initializedOnce.Do(func() {
			close(c.initialized)
		})
		return
	case dap.ResponseMessage:
		requestSeq := m.GetResponse().RequestSeq
		c.mu.Lock()
		if ch, ok := c.pendingRequests[requestSeq]; ok {
			ch <- msg
			delete(c.pendingRequests, requestSeq)
		}
		c.mu.Unlock()
		return
	case *dap.StartDebuggingRequest:
		c.observerMu.RLock()
		h := c.startDebugging
		c.observerMu.RUnlock()
		if h == nil {
			c.rejectReverseRequest(m.GetRequest())
			return
		}
		c.respond(&dap.StartDebuggingResponse{Response: c.reverseResponse(&m.Request, true, "")})
		go h(m.Arguments)
	case dap.RequestMessage:
		// runInTerminal and other reverse requests are not supported.
		c.rejectReverseRequest(m.GetRequest())
	}
}

func (c *Client) reverseResponse(req *dap.Request, success bool, message string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: c.transport.NextSeq(), Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         success,
		Message:         message,
	}
}

func (c *Client) respond(resp dap.ResponseMessage) {
	if err := c.transport.Send(resp); err != nil {
		c.logger.Warn("failed to answer reverse request",
			zap.String("command", resp.GetResponse().Command), zap.Error(err))
		return
	}
	c.notify(Outbound, resp)
}

func (c *Client) rejectReverseRequest(req *dap.Request) {
	c.respond(&dap.ErrorResponse{Response: c.reverseResponse(req, false, "not supported")})
}

// register assigns a sequence number, registers the response channel, and
// sends the request.
func (c *Client) register(req dap.RequestMessage) (chan dap.Message, int, error) {
	seq := c.transport.NextSeq()
	r := req.GetRequest()
	r.Seq = seq
	r.Type = "request"

	respCh := make(chan dap.Message, 1)
	c.mu.Lock()
	c.pendingRequests[seq] = respCh
	c.mu.Unlock()

	if err := c.transport.Send(req); err != nil {
		c.forget(seq)
		return nil, 0, err
	}
	c.notify(Outbound, req)
	return respCh, seq, nil
}

func (c *Client) forget(seq int) {
	c.mu.Lock()
	delete(c.pendingRequests, seq)
	c.mu.Unlock()
}

// await waits for the response registered under seq.
func (c *Client) await(ctx context.Context, command string, seq int, respCh chan dap.Message) (dap.Message, error) {
	select {
	case resp := <-respCh:
		return resp, checkResponse(command, resp)
	case <-ctx.Done():
		c.forget(seq)
		return nil, fmt.Errorf("%s request: %w", command, ctx.Err())
	case <-c.done:
		c.forget(seq)
		return nil, fmt.Errorf("%s request: %w", command, ErrClosed)
	}
}

// sendRequest sends a request and waits for the response
func (c *Client) sendRequest(ctx context.Context, req dap.RequestMessage) (dap.Message, error) {
	command := req.GetRequest().Command
	respCh, seq, err := c.register(req)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, command, seq, respCh)
}

func checkResponse(command string, msg dap.Message) error {
	r, ok := msg.(dap.ResponseMessage)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", msg)
	}
	if resp := r.GetResponse(); !resp.Success {
		return &ResponseError{Command: command, Message: resp.Message}
	}
	return nil
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// Initialize sends the initialize request and returns the adapter's capabilities
func (c *Client) Initialize(ctx context.Context, clientID, clientName string) (*dap.Capabilities, error) {
	req := &dap.InitializeRequest{
		Request: newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:                     clientID,
			ClientName:                   clientName,
			AdapterID:                    clientID,
			Locale:                       "en-US",
			LinesStartAt1:                true,
			ColumnsStartAt1:              true,
			PathFormat:                   "path",
			SupportsVariableType:         true,
			SupportsRunInTerminalRequest: false,
		},
	}

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	initResp, ok := resp.(*dap.InitializeResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return &initResp.Body, nil
}

// WaitInitialized waits for the initialized event
func (c *Client) WaitInitialized(ctx context.Context) error {
	select {
	case <-c.initialized:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for initialized event: %w", ctx.Err())
	case <-c.done:
		return fmt.Errorf("waiting for initialized event: %w", ErrClosed)
	}
}

// PendingResponse is a request whose response is collected later. Launch and
// attach responses may only arrive after configurationDone.
type PendingResponse struct {
	client  *Client
	command string
	seq     int
	ch      chan dap.Message
}

// Wait blocks until the response arrives.
func (p *PendingResponse) Wait(ctx context.Context) error {
	_, err := p.client.await(ctx, p.command, p.seq, p.ch)
	return err
}

// LaunchAsync sends a launch request without waiting for the response
func (c *Client) LaunchAsync(args map[string]interface{}) (*PendingResponse, error) {
	return c.startAsync("launch", args)
}

// AttachAsync sends an attach request without waiting for the response
func (c *Client) AttachAsync(args map[string]interface{}) (*PendingResponse, error) {
	return c.startAsync("attach", args)
}

func (c *Client) startAsync(command string, args map[string]interface{}) (*PendingResponse, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s args: %w", command, err)
	}

	var req dap.RequestMessage
	if command == "attach" {
		req = &dap.AttachRequest{Request: newRequest(command), Arguments: argsJSON}
	} else {
		req = &dap.LaunchRequest{Request: newRequest(command), Arguments: argsJSON}
	}

	ch, seq, err := c.register(req)
	if err != nil {
		return nil, err
	}
	return &PendingResponse{client: c, command: command, seq: seq, ch: ch}, nil
}

// ConfigurationDone signals that configuration is complete
func (c *Client) ConfigurationDone(ctx context.Context) error {
	_, err := c.sendRequest(ctx, &dap.ConfigurationDoneRequest{Request: newRequest("configurationDone")})
	return err
}

// Disconnect ends the debug session
func (c *Client) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	req := &dap.DisconnectRequest{
		Request: newRequest("disconnect"),
		Arguments: &dap.DisconnectArguments{
			TerminateDebuggee: terminateDebuggee,
		},
	}
	_, err := c.sendRequest(ctx, req)
	return err
}

// SetBreakpoints replaces all breakpoints of one source file
func (c *Client) SetBreakpoints(ctx context.Context, path string, breakpoints []dap.SourceBreakpoint) ([]dap.Breakpoint, error) {
	req := &dap.SetBreakpointsRequest{
		Request: newRequest("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: path},
			Breakpoints: breakpoints,
		},
	}

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	bpResp, ok := resp.(*dap.SetBreakpointsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return bpResp.Body.Breakpoints, nil
}

// Threads lists the debuggee's threads
func (c *Client) Threads(ctx context.Context) ([]dap.Thread, error) {
	resp, err := c.sendRequest(ctx, &dap.ThreadsRequest{Request: newRequest("threads")})
	if err != nil {
		return nil, err
	}

	threadsResp, ok := resp.(*dap.ThreadsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return threadsResp.Body.Threads, nil
}

// StackTrace returns up to levels frames of a thread, innermost first
func (c *Client) StackTrace(ctx context.Context, threadID, levels int) ([]dap.StackFrame, error) {
	req := &dap.StackTraceRequest{
		Request: newRequest("stackTrace"),
		Arguments: dap.StackTraceArguments{
			ThreadId: threadID,
			Levels:   levels,
		},
	}

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	stackResp, ok := resp.(*dap.StackTraceResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return stackResp.Body.StackFrames, nil
}

// Scopes returns the scopes of a frame
func (c *Client) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	req := &dap.ScopesRequest{
		Request: newRequest("scopes"),
		Arguments: dap.ScopesArguments{
			FrameId: frameID,
		},
	}

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	scopesResp, ok := resp.(*dap.ScopesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return scopesResp.Body.Scopes, nil
}

// Variables returns the children of a variables reference
func (c *Client) Variables(ctx context.Context, variablesRef int) ([]dap.Variable, error) {
	req := &dap.VariablesRequest{
		Request: newRequest("variables"),
		Arguments: dap.VariablesArguments{
			VariablesReference: variablesRef,
		},
	}

	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	varsResp, ok := resp.(*dap.VariablesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return varsResp.Body.Variables, nil
}

// Continue resumes a thread
func (c *Client) Continue(ctx context.Context, threadID int) error {
	req := &dap.ContinueRequest{
		Request: newRequest("continue"),
		Arguments: dap.ContinueArguments{
			ThreadId: threadID,
		},
	}
	_, err := c.sendRequest(ctx, req)
	return err
}

// Close shuts the connection down and waits for the read loop to exit
func (c *Client) Close() error {
	c.cancel()
	err := c.transport.Close()
	c.wg.Wait()
	return err
}
