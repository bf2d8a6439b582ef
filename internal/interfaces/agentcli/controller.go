// Package agentcli is the CLI surface named in the agent loop's design as an
// external collaborator (spec §6): it is not part of the agent loop itself,
// it just drives one. Controller wraps an *agentloop.Loop and a *session.Session
// and exposes exactly the operation vocabulary the loop's callers are
// expected to have: execute, execute_with_result, abort, get_session_id,
// get_messages, get_status, get_loop_count, get_retry_count,
// get_task_start_time.
//
// Grounded on the teacher's interfaces/cli (cobra-driven REPL calling
// service.AgentLoop.Run and draining its event channel) — Controller plays
// the same role for the new agentloop.Loop, minus the terminal rendering.
package agentcli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/wangrenren611/coding-agent-sub001/internal/domain/agentloop"
	"github.com/wangrenren611/coding-agent-sub001/internal/domain/session"
)

// RequestTimeoutFromEnv reads AGENT_REQUEST_TIMEOUT_MS — the one environment
// variable the agent loop's own design says it honors directly (model
// selection and API keys are the provider layer's concern). Returns 0 (no
// override) if unset or invalid.
func RequestTimeoutFromEnv() time.Duration {
	raw := os.Getenv("AGENT_REQUEST_TIMEOUT_MS")
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Controller drives one session's worth of execute/execute_with_result calls.
// One execution runs at a time; a second call while one is in flight returns
// ErrBusy rather than queuing, since the loop itself has no notion of
// concurrent turns for a single session.
type Controller struct {
	loop *agentloop.Loop
	sess *session.Session

	mu            sync.Mutex
	running       bool
	cancel        context.CancelFunc
	status        agentloop.Status
	loopCount     int
	retryCount    int
	taskStartTime time.Time
	observers     []func(agentloop.Event)
}

// Subscribe registers fn to receive every agentloop.Event this controller's
// executions produce, in addition to the internal status/loop/retry
// bookkeeping. Used by transport adapters (websocket, gRPC) that need to
// forward the observation stream to a remote caller without the loop
// itself knowing about transports. fn may be called from the execution
// goroutine — it must not block or call back into the Controller.
func (c *Controller) Subscribe(fn func(agentloop.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// ErrBusy is returned by Execute/ExecuteWithResult when a query is already
// running against this controller.
var ErrBusy = fmt.Errorf("agentcli: a query is already executing on this session")

// New wires a Controller around an already-constructed loop and session.
func New(loop *agentloop.Loop, sess *session.Session) *Controller {
	return &Controller{loop: loop, sess: sess, status: agentloop.StatusIdle}
}

// Execute starts a query in the background and returns immediately — the
// "fire and forget" half of spec §6's execute(query). Use ExecuteWithResult
// if the caller needs the final Result.
func (c *Controller) Execute(query string) error {
	_, err := c.start(query)
	return err
}

// ExecuteWithResult runs query and blocks until the loop reaches a terminal
// status, returning its Result.
func (c *Controller) ExecuteWithResult(query string) (agentloop.Result, error) {
	done, err := c.start(query)
	if err != nil {
		return agentloop.Result{}, err
	}
	return <-done, nil
}

func (c *Controller) start(query string) (<-chan agentloop.Result, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	if timeout := RequestTimeoutFromEnv(); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	c.running = true
	c.cancel = cancel
	c.loopCount = 0
	c.retryCount = 0
	c.taskStartTime = time.Now()
	c.status = agentloop.StatusRunning
	c.mu.Unlock()

	done := make(chan agentloop.Result, 1)
	go func() {
		defer cancel()
		result := c.loop.Execute(ctx, query, nil, c.onEvent)
		c.mu.Lock()
		c.running = false
		c.status = result.Status
		c.mu.Unlock()
		done <- result
	}()
	return done, nil
}

func (c *Controller) onEvent(ev agentloop.Event) {
	c.mu.Lock()
	c.status = ev.Status
	switch ev.Status {
	case agentloop.StatusThinking:
		if ev.Step > c.loopCount {
			c.loopCount = ev.Step
		}
	case agentloop.StatusRetrying:
		c.retryCount++
	}
	observers := make([]func(agentloop.Event), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

// Abort cancels the in-flight execution, if any. A no-op when idle.
func (c *Controller) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetSessionID returns the session identifier this controller drives.
func (c *Controller) GetSessionID() string { return c.sess.ID() }

// GetMessages returns the session's current context (spec §4.3's
// "wholesale-replaceable" slice, not the append-only full history).
func (c *Controller) GetMessages() []session.Message { return c.sess.ContextForLLM() }

// GetStatus returns the loop's current lifecycle status.
func (c *Controller) GetStatus() agentloop.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// GetLoopCount returns how many turns the current (or most recent)
// execution has made.
func (c *Controller) GetLoopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopCount
}

// GetRetryCount returns how many retry-backoff cycles the current (or most
// recent) execution has made.
func (c *Controller) GetRetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// GetTaskStartTime returns when the current (or most recent) execute call
// began. Zero value if nothing has ever run.
func (c *Controller) GetTaskStartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskStartTime
}
