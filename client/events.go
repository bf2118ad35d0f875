package client

import (
	"fmt"

	"display-rpc/message"
)

// processResult acts on one decoded envelope: its event sequences first, then
// the call it completes. Both must finish before the next frame is read.
func (c *Channel) processResult(result *message.Result) {
	for _, raw := range result.Events {
		c.processEventSequence(result, raw)
	}

	claimed := false
	if result.HasID() {
		c.guard(result, func() error {
			found := c.pending.CompleteResponse(result, func(method string, response any) error {
				claimed = true
				return c.finishResponse(result, method, response)
			})
			if !found {
				c.stats.unknownCallID.Add(1)
			}
			return nil
		})
	}

	if !claimed && result.FdsOnSideChannel > 0 {
		c.stats.descriptor.Add(1)
		c.discardDescriptors(int(result.FdsOnSideChannel))
		c.processingFailed(result, fmt.Errorf("%w: %d descriptors with no receiver", ErrDescriptorMismatch,
			result.FdsOnSideChannel))
	}
}

// processEventSequence delivers one event record. Each effect is isolated:
// a failing display sink does not stop the lifecycle handler, and one bad
// input event does not stop the next.
func (c *Channel) processEventSequence(result *message.Result, raw []byte) {
	var seq message.EventSequence
	if err := c.codec.Decode(raw, &seq); err != nil {
		c.processingFailed(result, fmt.Errorf("event sequence: %w", err))
		return
	}

	if seq.DisplayConfiguration != nil {
		c.guard(result, func() error {
			c.display.UpdateConfiguration(seq.DisplayConfiguration)
			return nil
		})
	}
	if seq.LifecycleEvent != nil {
		c.guard(result, func() error {
			c.lifecycle.CallLifecycleEventHandler(seq.LifecycleEvent.NewState)
			return nil
		})
	}
	if seq.TrustSessionEvent != nil {
		c.guard(result, func() error {
			c.trust.CallTrustSessionEventHandler(seq.TrustSessionEvent.NewState)
			return nil
		})
	}
	for i := range seq.Events {
		ev := &seq.Events[i]
		c.guard(result, func() error {
			return c.dispatchInputEvent(ev)
		})
	}
}

func (c *Channel) dispatchInputEvent(ev *message.Event) error {
	var input message.InputEvent
	if err := input.UnmarshalBinary(ev.Raw); err != nil {
		c.stats.eventParse.Add(1)
		c.report.EventParsingFailed(ev, err)
		return nil
	}
	c.report.EventParsingSucceeded(&input)

	delivered := c.surfaces.WithSurfaceDo(input.SurfaceID, func(s Surface) {
		s.HandleEvent(&input)
	})
	if !delivered {
		c.stats.droppedInput.Add(1)
		return fmt.Errorf("%w: surface %d", ErrSurfaceNotFound, input.SurfaceID)
	}
	return nil
}
