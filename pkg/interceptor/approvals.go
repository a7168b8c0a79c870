package interceptor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"
)

// ApprovalRequest is one pending human decision.
type ApprovalRequest struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Summary   string         `json:"summary"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Approvals queues approval requests and blocks dispatchers until a decision
// is recorded, from the console approver, the ops server, or any other
// caller of Decide.
type Approvals struct {
	mu      sync.Mutex
	pending map[string]chan bool
	queue   map[string]ApprovalRequest
}

// NewApprovals creates an empty approval service.
func NewApprovals() *Approvals {
	return &Approvals{
		pending: make(map[string]chan bool),
		queue:   make(map[string]ApprovalRequest),
	}
}

// Submit queues a request and returns its id with the decision channel.
func (a *Approvals) Submit(req ApprovalRequest) (string, <-chan bool) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = time.Now()

	ch := make(chan bool, 1)
	a.mu.Lock()
	a.pending[req.ID] = ch
	a.queue[req.ID] = req
	a.mu.Unlock()
	return req.ID, ch
}

// Decide records a decision and unblocks the waiting dispatch.
func (a *Approvals) Decide(id string, approve bool) error {
	a.mu.Lock()
	ch, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
		delete(a.queue, id)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending approval %q", id)
	}
	ch <- approve
	return nil
}

// Pending lists the queued requests, oldest first.
func (a *Approvals) Pending() []ApprovalRequest {
	a.mu.Lock()
	out := make([]ApprovalRequest, 0, len(a.queue))
	for _, req := range a.queue {
		out = append(out, req)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// abandon drops a request whose waiter gave up.
func (a *Approvals) abandon(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	delete(a.queue, id)
	a.mu.Unlock()
}

// ConsoleApprover watches the approval queue and prompts on the terminal.
// It is a development convenience; production deployments decide through the
// ops server instead.
type ConsoleApprover struct {
	approvals *Approvals
	in        *os.File
	out       *os.File
}

// NewConsoleApprover creates a console approver over stdin/stdout.
func NewConsoleApprover(approvals *Approvals) *ConsoleApprover {
	return &ConsoleApprover{approvals: approvals, in: os.Stdin, out: os.Stdout}
}

// Run polls for pending requests and prompts until ctx is cancelled. It
// refuses to start when stdin is not a terminal.
func (c *ConsoleApprover) Run(ctx context.Context) error {
	if !term.IsTerminal(int(c.in.Fd())) {
		return fmt.Errorf("console approver requires a terminal")
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	reader := bufio.NewReader(c.in)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, req := range c.approvals.Pending() {
			fmt.Fprintf(c.out, "\nApproval required: %s from %s\n  %s\nApprove? [y/N] ",
				req.EventType, req.Source, req.Summary)
			line, err := reader.ReadString('\n')
			if err != nil {
				return err
			}
			answer := strings.ToLower(strings.TrimSpace(line))
			approve := answer == "y" || answer == "yes"
			if err := c.approvals.Decide(req.ID, approve); err != nil {
				// Decided elsewhere first; move on.
				continue
			}
		}
	}
}
