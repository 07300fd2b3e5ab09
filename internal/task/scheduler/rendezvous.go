package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Answer delivery errors surfaced through the API.
var (
	ErrNoPendingQuestion = errors.New("no pending question")
	ErrAlreadyAnswered   = errors.New("answer already submitted")
)

// errAnswerTimeout is recorded verbatim as the task error when the
// user never answers; fleet clients match on this exact string.
var errAnswerTimeout = errors.New("等待用户回答超时")

// errAskCancelled unblocks a wait whose task was cancelled.
var errAskCancelled = errors.New("task cancelled while waiting for user")

// askState is one in-flight ask_user exchange. The answer channel is
// buffered so an answer that lands before the kernel starts waiting is
// kept and delivered immediately.
type askState struct {
	answer    chan string
	cancel    chan struct{}
	cancelled bool
}

// rendezvous matches blocking ask_user waits inside a kernel run with
// answers arriving over the API. At most one exchange per task.
type rendezvous struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[string]*askState
}

func newRendezvous(timeout time.Duration) *rendezvous {
	return &rendezvous{
		timeout: timeout,
		pending: make(map[string]*askState),
	}
}

// create opens the exchange for taskID. Call it before publishing the
// question so an immediate answer has somewhere to land.
func (r *rendezvous) create(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[taskID] = &askState{
		answer: make(chan string, 1),
		cancel: make(chan struct{}),
	}
}

// wait blocks until an answer arrives, the task is cancelled or the
// timeout elapses. The exchange is closed on return.
func (r *rendezvous) wait(ctx context.Context, taskID string) (string, error) {
	r.mu.Lock()
	st := r.pending[taskID]
	r.mu.Unlock()
	if st == nil {
		return "", ErrNoPendingQuestion
	}
	defer func() {
		r.mu.Lock()
		delete(r.pending, taskID)
		r.mu.Unlock()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case answer := <-st.answer:
		return answer, nil
	case <-st.cancel:
		return "", errAskCancelled
	case <-ctx.Done():
		return "", errAskCancelled
	case <-timer.C:
		return "", errAnswerTimeout
	}
}

// respond delivers an answer without blocking. A second answer to the
// same question is rejected.
func (r *rendezvous) respond(taskID, answer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.pending[taskID]
	if st == nil {
		return ErrNoPendingQuestion
	}
	select {
	case st.answer <- answer:
		return nil
	default:
		return ErrAlreadyAnswered
	}
}

// cancelTask unblocks a pending wait with the cancelled signal. Safe
// to call repeatedly and for tasks with no open exchange.
func (r *rendezvous) cancelTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.pending[taskID]
	if st != nil && !st.cancelled {
		st.cancelled = true
		close(st.cancel)
	}
}
