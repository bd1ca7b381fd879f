// Package inspecttest provides an in-memory DAP channel for tests.
package inspecttest

import (
	"context"
	"sync"

	"github.com/google/go-dap"
)

// Channel answers threads/stackTrace/scopes/variables/continue from canned
// data. Failures and blocking can be injected per operation.
type Channel struct {
	mu        sync.Mutex
	threads   []dap.Thread
	frames    map[int][]dap.StackFrame
	scopes    map[int][]dap.Scope
	variables map[int][]dap.Variable
	failures  map[string][]error
	blocked   map[string]bool
	calls     map[string]int
	continued []int

	// OnContinue runs after a successful continue.
	OnContinue func(threadID int)
}

// NewChannel creates an empty channel.
func NewChannel() *Channel {
	return &Channel{
		frames:    make(map[int][]dap.StackFrame),
		scopes:    make(map[int][]dap.Scope),
		variables: make(map[int][]dap.Variable),
		failures:  make(map[string][]error),
		blocked:   make(map[string]bool),
		calls:     make(map[string]int),
	}
}

// SetThreads sets the thread list.
func (c *Channel) SetThreads(threads ...dap.Thread) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = threads
	return c
}

// SetFrames sets the stack of a thread.
func (c *Channel) SetFrames(threadID int, frames ...dap.StackFrame) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[threadID] = frames
	return c
}

// SetScopes sets the scopes of a frame.
func (c *Channel) SetScopes(frameID int, scopes ...dap.Scope) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes[frameID] = scopes
	return c
}

// SetVariables sets the children of a reference.
func (c *Channel) SetVariables(ref int, vars ...dap.Variable) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[ref] = vars
	return c
}

// Fail makes the next calls of op return the given errors, one per call.
func (c *Channel) Fail(op string, errs ...error) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
	return c
}

// Block makes op wait until its context is done.
func (c *Channel) Block(op string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[op] = true
	return c
}

// Calls returns how often op was invoked.
func (c *Channel) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Continued returns the thread ids passed to Continue.
func (c *Channel) Continued() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.continued...)
}

func (c *Channel) enter(ctx context.Context, op string) error {
	c.mu.Lock()
	c.calls[op]++
	blocked := c.blocked[op]
	var err error
	if errs := c.failures[op]; len(errs) > 0 {
		err = errs[0]
		c.failures[op] = errs[1:]
	}
	c.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// Threads implements inspect.Channel.
func (c *Channel) Threads(ctx context.Context) ([]dap.Thread, error) {
	if err := c.enter(ctx, "threads"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dap.Thread(nil), c.threads...), nil
}

// StackTrace implements inspect.Channel.
func (c *Channel) StackTrace(ctx context.Context, threadID, levels int) ([]dap.StackFrame, error) {
	if err := c.enter(ctx, "stackTrace"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.frames[threadID]
	if levels > 0 && len(frames) > levels {
		frames = frames[:levels]
	}
	return append([]dap.StackFrame(nil), frames...), nil
}

// Scopes implements inspect.Channel.
func (c *Channel) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	if err := c.enter(ctx, "scopes"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dap.Scope(nil), c.scopes[frameID]...), nil
}

// Variables implements inspect.Channel.
func (c *Channel) Variables(ctx context.Context, ref int) ([]dap.Variable, error) {
	if err := c.enter(ctx, "variables"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dap.Variable(nil), c.variables[ref]...), nil
}

// Continue records the resumed thread.
func (c *Channel) Continue(ctx context.Context, threadID int) error {
	if err := c.enter(ctx, "continue"); err != nil {
		return err
	}
	c.mu.Lock()
	c.continued = append(c.continued, threadID)
	hook := c.OnContinue
	c.mu.Unlock()
	if hook != nil {
		hook(threadID)
	}
	return nil
}

// Paused fills the channel with one paused thread whose top frame is at
// path:line and has a single "Locals" scope with reference localsRef.
func (c *Channel) Paused(threadID int, path string, line, localsRef int, vars ...dap.Variable) *Channel {
	frameID := threadID*1000 + 1
	c.SetThreads(dap.Thread{Id: threadID, Name: "main"})
	c.SetFrames(threadID, dap.StackFrame{Id: frameID, Name: "main.main", Line: line, Source: &dap.Source{Path: path}})
	c.SetScopes(frameID, dap.Scope{Name: "Locals", VariablesReference: localsRef})
	c.SetVariables(localsRef, vars...)
	return c
}
