package client

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"display-rpc/message"
)

func TestCompleteResponseRunsFinish(t *testing.T) {
	p := NewPendingCalls(NullReport{})
	done := newCompletion()
	var resp message.Buffer
	require.NoError(t, p.SaveCompletionDetails(&message.Invocation{ID: 5, MethodName: "next_buffer"}, &resp,
		done.complete))

	id := uint32(5)
	found := p.CompleteResponse(&message.Result{ID: &id}, func(method string, response any) error {
		assert.Equal(t, "next_buffer", method)
		assert.Same(t, &resp, response)
		return nil
	})
	assert.True(t, found)
	require.NoError(t, done.wait(t))

	found = p.CompleteResponse(&message.Result{ID: &id}, func(string, any) error { return nil })
	assert.False(t, found, "a call completes once")
}

func TestCompleteResponseCompletesWhenFinishPanics(t *testing.T) {
	p := NewPendingCalls(NullReport{})
	done := newCompletion()
	require.NoError(t, p.SaveCompletionDetails(&message.Invocation{ID: 2, MethodName: "connect"}, nil, done.complete))

	id := uint32(2)
	assert.PanicsWithValue(t, "decoder bug", func() {
		p.CompleteResponse(&message.Result{ID: &id}, func(string, any) error { panic("decoder bug") })
	})
	err := done.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoder bug")

	p.ForceCompletion(ErrDisconnected)
	assert.Len(t, done.calls(), 1)
}

func TestFail(t *testing.T) {
	p := NewPendingCalls(NullReport{})
	done := newCompletion()
	require.NoError(t, p.SaveCompletionDetails(&message.Invocation{ID: 1}, nil, done.complete))

	boom := errors.New("boom")
	assert.True(t, p.Fail(1, boom))
	assert.False(t, p.Fail(1, boom))
	assert.ErrorIs(t, done.wait(t), boom)
}

func TestRegisterAfterForceCompletion(t *testing.T) {
	p := NewPendingCalls(NullReport{})
	p.ForceCompletion(ErrDisconnected)

	done := newCompletion()
	err := p.SaveCompletionDetails(&message.Invocation{ID: 1}, nil, done.complete)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, done.wait(t), ErrDisconnected)
	assert.Zero(t, p.Len())
}

// Responses and a forced completion race over the same calls; every call
// must still complete exactly once.
func TestCompletionRaceCompletesOnce(t *testing.T) {
	p := NewPendingCalls(NullReport{})
	const n = 200

	counts := make([]atomic.Int32, n)
	for i := 0; i < n; i++ {
		id := uint32(i)
		require.NoError(t, p.SaveCompletionDetails(&message.Invocation{ID: id}, nil, func(error) {
			counts[id].Add(1)
		}))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			id := uint32(i)
			p.CompleteResponse(&message.Result{ID: &id}, func(string, any) error { return nil })
		}
	}()
	go func() {
		defer wg.Done()
		p.ForceCompletion(ErrDisconnected)
	}()
	wg.Wait()

	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), "call %d", i)
	}
	assert.Zero(t, p.Len())
}
