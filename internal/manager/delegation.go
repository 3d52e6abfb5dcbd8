package manager

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

// delegateRe matches "DELEGATE <role>: <request>" at the start of a reply.
var delegateRe = regexp.MustCompile(`(?s)^DELEGATE\s+([^:\n]+?)\s*:\s*(.+)$`)

// ParseDelegation extracts a delegation directive from an agent reply.
func ParseDelegation(output string) (role, request string, ok bool) {
	m := delegateRe.FindStringSubmatch(strings.TrimSpace(output))
	if m == nil {
		return "", "", false
	}
	request = strings.TrimSpace(m[2])
	if request == "" {
		return "", "", false
	}
	return strings.TrimSpace(m[1]), request, true
}

// Request is one agent asking a coworker for help on a task.
type Request struct {
	TaskID   string
	From     string
	To       string
	Content  string
	ctx      context.Context // the asker's; the answer must not outlive it
	response chan reply
}

type reply struct {
	content string
	err     error
}

// AnswerFunc produces the coworker's answer to a request.
type AnswerFunc func(ctx context.Context, req Request) (string, error)

// DelegationChannel carries requests between agents working on concurrent
// tasks. Each request is answered in its own goroutine under a context that
// ends with the asker's or the channel's, whichever ends first.
type DelegationChannel struct {
	requests chan Request
	answer   AnswerFunc
	inflight sync.WaitGroup
	done     chan struct{}
}

// NewDelegationChannel creates a channel. bufferSize should be at least the
// number of concurrently running tasks so askers rarely block on send.
func NewDelegationChannel(bufferSize int, answer AnswerFunc) *DelegationChannel {
	return &DelegationChannel{
		requests: make(chan Request, bufferSize),
		answer:   answer,
		done:     make(chan struct{}),
	}
}

// Start launches the handler. It runs until ctx is done.
func (c *DelegationChannel) Start(ctx context.Context) {
	go c.handle(ctx)
}

func (c *DelegationChannel) handle(ctx context.Context) {
	defer close(c.done)
	defer c.inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requests:
			c.inflight.Add(1)
			go func() {
				defer c.inflight.Done()
				c.serve(ctx, req)
			}()
		}
	}
}

func (c *DelegationChannel) serve(ctx context.Context, req Request) {
	answerCtx, cancel := context.WithCancel(req.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	content, err := c.answer(answerCtx, req)
	if cerr := answerCtx.Err(); cerr != nil {
		if ctx.Err() != nil {
			cerr = ctx.Err()
		}
		req.response <- reply{err: cerr}
		return
	}
	req.response <- reply{content: content, err: err}
}

// Ask sends a request and waits for the coworker's answer.
func (c *DelegationChannel) Ask(ctx context.Context, taskID, from, to, content string) (string, error) {
	req := Request{
		TaskID:   taskID,
		From:     from,
		To:       to,
		Content:  content,
		ctx:      ctx,
		response: make(chan reply, 1),
	}

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case r := <-req.response:
		if r.err != nil {
			return "", r.err
		}
		return r.content, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop blocks until the handler and every answer in flight have exited.
func (c *DelegationChannel) Stop() {
	<-c.done
}
