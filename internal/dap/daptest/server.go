// Package daptest provides a scripted debug adapter for tests. It serves the
// Debug Adapter Protocol over TCP and simulates a program as a fixed list of
// executed lines, honouring breakpoints and hit conditions.
package daptest

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-dap"
)

// ThreadID is the id of the simulated program's only thread.
const ThreadID = 1

// Var is a local variable of a step.
type Var struct {
	Name  string
	Value string
	Type  string
}

// Step is one executed line of the simulated program.
type Step struct {
	Line   int
	Locals []Var
	Output string
}

// Program is what the adapter pretends to debug.
type Program struct {
	Path     string
	Steps    []Step
	ExitCode int
}

// Loop returns a program that executes line `line` n times with i = 0..n-1,
// printing "Loop iteration i" each time.
func Loop(path string, line, n int) Program {
	p := Program{Path: path}
	for i := 0; i < n; i++ {
		p.Steps = append(p.Steps, Step{
			Line:   line,
			Locals: []Var{{Name: "i", Value: strconv.Itoa(i), Type: "int"}},
			Output: "Loop iteration " + strconv.Itoa(i) + "\n",
		})
	}
	return p
}

// Options tune the simulated adapter.
type Options struct {
	// IgnoreStopOnEntry runs straight away even when stopOnEntry is set.
	IgnoreStopOnEntry bool
	// StepDelay is the time each step takes while running.
	StepDelay time.Duration
	// SpawnChild makes the first connection a parent that only announces a
	// child session through startDebugging. The child runs the program.
	SpawnChild bool
	// Capabilities override the defaults returned from initialize.
	Capabilities *dap.Capabilities
}

// Server is a fake debug adapter listening on a local TCP port.
type Server struct {
	program Program
	opts    Options
	ln      net.Listener

	mu       sync.Mutex
	commands []string
	conns    []*conn
	closed   bool
	wg       sync.WaitGroup
}

// NewServer starts a fake adapter for p.
func NewServer(p Program, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{program: p, opts: opts, ln: ln}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr is the address clients dial.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Commands returns every request command received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Count returns how many times command was received.
func (s *Server) Count(command string) int {
	n := 0
	for _, c := range s.Commands() {
		if c == command {
			n++
		}
	}
	return n
}

// Connections returns the number of accepted connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Breakpoints returns the breakpoint lines most recently set for path on
// the connection that runs the program.
func (s *Server) Breakpoints(path string) []int {
	s.mu.Lock()
	var runner *conn
	for _, c := range s.conns {
		if !c.parentOnly {
			runner = c
		}
	}
	s.mu.Unlock()
	if runner == nil {
		return nil
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	var lines []int
	for _, bp := range runner.breakpoints[path] {
		lines = append(lines, bp.Line)
	}
	return lines
}

// Close stops accepting and drops every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		c := &conn{
			server:      s,
			nc:          nc,
			reader:      bufio.NewReader(nc),
			breakpoints: make(map[string][]dap.SourceBreakpoint),
			hits:        make(map[string]int),
			pc:          -1,
			parentOnly:  s.opts.SpawnChild && len(s.conns) == 0,
		}
		s.conns = append(s.conns, c)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

func (s *Server) record(command string) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()
}

// conn is one client connection with its own simulated run.
type conn struct {
	server *Server
	nc     net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	seq     int

	mu          sync.Mutex
	breakpoints map[string][]dap.SourceBreakpoint
	hits        map[string]int
	pc          int
	running     bool
	finished    bool
	stopOnEntry bool
	parentOnly  bool
	launchSeq   int
	launchCmd   string
	closeOnce   sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.nc.Close()
	})
}

func (c *conn) send(msg dap.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = dap.WriteProtocolMessage(c.nc, msg)
}

func (c *conn) nextSeq() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	return c.seq
}

func (c *conn) response(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: c.nextSeq(), Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

func (c *conn) errorResponse(req *dap.Request, message string) *dap.ErrorResponse {
	resp := c.response(req)
	resp.Success = false
	resp.Message = message
	return &dap.ErrorResponse{Response: resp}
}

func (c *conn) event(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: c.nextSeq(), Type: "event"},
		Event:           name,
	}
}

func (c *conn) serve() {
	defer c.close()
	for {
		msg, err := dap.ReadProtocolMessage(c.reader)
		if err != nil {
			return
		}
		req, ok := msg.(dap.RequestMessage)
		if !ok {
			// answers to our reverse requests
			continue
		}
		c.server.record(req.GetRequest().Command)
		if !c.handle(msg) {
			return
		}
	}
}

func (c *conn) capabilities() dap.Capabilities {
	if caps := c.server.opts.Capabilities; caps != nil {
		return *caps
	}
	return dap.Capabilities{
		SupportsConfigurationDoneRequest:  true,
		SupportsConditionalBreakpoints:    true,
		SupportsHitConditionalBreakpoints: true,
	}
}

// handle answers one request and reports whether to keep serving.
func (c *conn) handle(msg dap.Message) bool {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		c.send(&dap.InitializeResponse{Response: c.response(&req.Request), Body: c.capabilities()})

	case *dap.LaunchRequest:
		c.beginLaunch(&req.Request, req.Arguments)

	case *dap.AttachRequest:
		c.beginLaunch(&req.Request, req.Arguments)

	case *dap.SetBreakpointsRequest:
		path := req.Arguments.Source.Path
		c.mu.Lock()
		c.breakpoints[path] = append([]dap.SourceBreakpoint(nil), req.Arguments.Breakpoints...)
		c.mu.Unlock()
		out := make([]dap.Breakpoint, len(req.Arguments.Breakpoints))
		for i, bp := range req.Arguments.Breakpoints {
			out[i] = dap.Breakpoint{Id: i + 1, Verified: true, Line: bp.Line, Source: &dap.Source{Path: path}}
		}
		c.send(&dap.SetBreakpointsResponse{
			Response: c.response(&req.Request),
			Body:     dap.SetBreakpointsResponseBody{Breakpoints: out},
		})

	case *dap.ConfigurationDoneRequest:
		c.send(&dap.ConfigurationDoneResponse{Response: c.response(&req.Request)})
		c.finishLaunch()

	case *dap.ThreadsRequest:
		c.send(&dap.ThreadsResponse{
			Response: c.response(&req.Request),
			Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: ThreadID, Name: "main"}}},
		})

	case *dap.StackTraceRequest:
		c.mu.Lock()
		running, line := c.running, c.currentLine()
		c.mu.Unlock()
		if running {
			c.send(c.errorResponse(&req.Request, "thread is running"))
			return true
		}
		c.send(&dap.StackTraceResponse{
			Response: c.response(&req.Request),
			Body: dap.StackTraceResponseBody{
				StackFrames: []dap.StackFrame{{
					Id:     1000,
					Name:   "main.main",
					Source: &dap.Source{Name: "main", Path: c.server.program.Path},
					Line:   line,
					Column: 1,
				}},
				TotalFrames: 1,
			},
		})

	case *dap.ScopesRequest:
		c.send(&dap.ScopesResponse{
			Response: c.response(&req.Request),
			Body:     dap.ScopesResponseBody{Scopes: []dap.Scope{{Name: "Locals", VariablesReference: 1}}},
		})

	case *dap.VariablesRequest:
		var vars []dap.Variable
		if req.Arguments.VariablesReference == 1 {
			c.mu.Lock()
			if c.pc >= 0 && c.pc < len(c.server.program.Steps) {
				for _, v := range c.server.program.Steps[c.pc].Locals {
					vars = append(vars, dap.Variable{Name: v.Name, Value: v.Value, Type: v.Type})
				}
			}
			c.mu.Unlock()
		}
		c.send(&dap.VariablesResponse{
			Response: c.response(&req.Request),
			Body:     dap.VariablesResponseBody{Variables: vars},
		})

	case *dap.ContinueRequest:
		c.send(&dap.ContinueResponse{
			Response: c.response(&req.Request),
			Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
		})
		c.resume()

	case *dap.DisconnectRequest:
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()
		c.send(&dap.DisconnectResponse{Response: c.response(&req.Request)})
		c.send(&dap.TerminatedEvent{Event: c.event("terminated")})
		return false

	default:
		r := msg.(dap.RequestMessage).GetRequest()
		c.send(c.errorResponse(r, "unsupported request "+r.Command))
	}
	return true
}

func (c *conn) currentLine() int {
	if c.pc < 0 || c.pc >= len(c.server.program.Steps) {
		return 1
	}
	return c.server.program.Steps[c.pc].Line
}

func (c *conn) beginLaunch(req *dap.Request, raw json.RawMessage) {
	var args map[string]interface{}
	_ = json.Unmarshal(raw, &args)
	c.mu.Lock()
	c.stopOnEntry, _ = args["stopOnEntry"].(bool)
	if _, ok := args["__pendingTargetId"]; ok {
		c.parentOnly = false
	}
	c.launchSeq = req.Seq
	c.launchCmd = req.Command
	c.mu.Unlock()
	c.send(&dap.InitializedEvent{Event: c.event("initialized")})
}

// finishLaunch answers the held launch request after configurationDone, the
// way debugpy does, then starts the program.
func (c *conn) finishLaunch() {
	c.mu.Lock()
	launch := dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: c.launchSeq}, Command: c.launchCmd}
	parentOnly := c.parentOnly
	stopOnEntry := c.stopOnEntry
	entry := stopOnEntry && !c.server.opts.IgnoreStopOnEntry
	c.mu.Unlock()

	if launch.Command == "attach" {
		c.send(&dap.AttachResponse{Response: c.response(&launch)})
	} else {
		c.send(&dap.LaunchResponse{Response: c.response(&launch)})
	}

	if parentOnly {
		c.send(&dap.StartDebuggingRequest{
			Request: dap.Request{
				ProtocolMessage: dap.ProtocolMessage{Seq: c.nextSeq(), Type: "request"},
				Command:         "startDebugging",
			},
			Arguments: dap.StartDebuggingRequestArguments{
				Request:       "launch",
				Configuration: map[string]interface{}{"name": "child", "__pendingTargetId": "target-1", "stopOnEntry": stopOnEntry},
			},
		})
		return
	}

	if entry {
		c.send(&dap.StoppedEvent{
			Event: c.event("stopped"),
			Body:  dap.StoppedEventBody{Reason: "entry", ThreadId: ThreadID, AllThreadsStopped: true},
		})
		return
	}
	c.resume()
}

func (c *conn) resume() {
	c.mu.Lock()
	if c.running || c.finished {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	go c.run()
}

// run executes steps until a breakpoint stops the program or it exits.
func (c *conn) run() {
	program := c.server.program
	for {
		if d := c.server.opts.StepDelay; d > 0 {
			time.Sleep(d)
		}

		c.mu.Lock()
		if c.finished {
			c.mu.Unlock()
			return
		}
		c.pc++
		if c.pc >= len(program.Steps) {
			c.finished = true
			c.running = false
			c.mu.Unlock()
			c.send(&dap.ExitedEvent{Event: c.event("exited"), Body: dap.ExitedEventBody{ExitCode: program.ExitCode}})
			c.send(&dap.TerminatedEvent{Event: c.event("terminated")})
			return
		}
		step := program.Steps[c.pc]
		hitID, hit := c.hitLocked(program.Path, step.Line)
		if hit {
			c.running = false
		}
		c.mu.Unlock()

		if step.Output != "" {
			c.send(&dap.OutputEvent{Event: c.event("output"), Body: dap.OutputEventBody{Category: "stdout", Output: step.Output}})
		}
		if hit {
			c.send(&dap.StoppedEvent{
				Event: c.event("stopped"),
				Body: dap.StoppedEventBody{
					Reason:            "breakpoint",
					ThreadId:          ThreadID,
					AllThreadsStopped: true,
					HitBreakpointIds:  []int{hitID},
				},
			})
			return
		}
	}
}

// hitLocked counts a visit of line and reports whether a breakpoint fires.
// A numeric hit condition n fires from the n-th visit on.
func (c *conn) hitLocked(path string, line int) (int, bool) {
	for i, bp := range c.breakpoints[path] {
		if bp.Line != line {
			continue
		}
		key := path + ":" + strconv.Itoa(line)
		c.hits[key]++
		if bp.HitCondition != "" {
			n, err := strconv.Atoi(bp.HitCondition)
			if err == nil && c.hits[key] < n {
				return 0, false
			}
		}
		return i + 1, true
	}
	return 0, false
}
