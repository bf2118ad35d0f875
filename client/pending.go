package client

import (
	"fmt"
	"sync"

	"display-rpc/message"
)

// CompletionFunc is invoked exactly once per call, with nil on success.
type CompletionFunc func(err error)

type pendingCall struct {
	id       uint32
	method   string
	response any
	complete CompletionFunc
}

// PendingCalls tracks calls awaiting a response.
//
// register (caller goroutines) and complete / force (receive goroutine) race on
// the same map. Every path removes the entry under the lock before invoking the
// completion, so whichever path removes it is the only one that ever calls it:
//
//	SaveCompletionDetails ──► calls[id] ──┬─► CompleteResponse: delete → finish → complete(err)
//	                                      └─► ForceCompletion:  delete → complete(ErrDisconnected)
//
// Completions run outside the lock so they may issue further calls.
type PendingCalls struct {
	mu     sync.Mutex
	calls  map[uint32]*pendingCall
	forced error // Non-nil once ForceCompletion ran; later registrations fail with it
	report Report
}

func NewPendingCalls(report Report) *PendingCalls {
	return &PendingCalls{
		calls:  make(map[uint32]*pendingCall),
		report: report,
	}
}

// SaveCompletionDetails registers a call before its invocation is sent. If the
// registry has already been forced, complete runs immediately with the forcing
// error, which is also returned so the caller skips the send.
func (p *PendingCalls) SaveCompletionDetails(inv *message.Invocation, response any, complete CompletionFunc) error {
	p.mu.Lock()
	if err := p.forced; err != nil {
		p.mu.Unlock()
		complete(err)
		return err
	}
	p.calls[inv.ID] = &pendingCall{
		id:       inv.ID,
		method:   inv.MethodName,
		response: response,
		complete: complete,
	}
	p.mu.Unlock()
	return nil
}

// CompleteResponse completes the call named by result. finish fills the
// response value (decode, descriptor resolution) and its error is what the
// completion sees. If finish panics the call is completed with the panic
// before it propagates. Returns false, after reporting, when no call matches.
func (p *PendingCalls) CompleteResponse(result *message.Result, finish func(method string, response any) error) bool {
	call := p.take(result.CallID())
	if call == nil {
		p.report.UnknownCallID(result.CallID())
		return false
	}

	finished := false
	defer func() {
		if finished {
			return
		}
		if r := recover(); r != nil {
			call.complete(fmt.Errorf("%s: processing response: panic: %v", call.method, r))
			panic(r)
		}
	}()
	err := finish(call.method, call.response)
	finished = true
	call.complete(err)
	return true
}

// Fail completes one outstanding call with err, e.g. after its send failed.
func (p *PendingCalls) Fail(id uint32, err error) bool {
	call := p.take(id)
	if call == nil {
		return false
	}
	call.complete(err)
	return true
}

// ForceCompletion completes every outstanding call with err and makes all
// later registrations fail with it.
func (p *PendingCalls) ForceCompletion(err error) {
	p.mu.Lock()
	if p.forced == nil {
		p.forced = err
	}
	calls := p.calls
	p.calls = make(map[uint32]*pendingCall)
	p.mu.Unlock()

	for _, call := range calls {
		call.complete(err)
	}
}

// Len returns the number of outstanding calls.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *PendingCalls) take(id uint32) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	return call
}
