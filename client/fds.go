package client

import (
	"fmt"

	"display-rpc/message"
	"display-rpc/transport"
)

// finishResponse fills response from result: the remote error if any, else the
// decoded payload with its side-channel descriptors spliced back in.
func (c *Channel) finishResponse(result *message.Result, method string, response any) error {
	if result.Error != "" {
		c.discardDescriptors(int(result.FdsOnSideChannel))
		return &RemoteError{Method: method, Msg: result.Error}
	}
	if response != nil {
		if err := c.codec.Decode(result.Response, response); err != nil {
			c.discardDescriptors(int(result.FdsOnSideChannel))
			return fmt.Errorf("%w: %s: %w", ErrMalformedResponse, method, err)
		}
	}
	return c.receiveFileDescriptors(response, result.FdsOnSideChannel)
}

// receiveFileDescriptors resolves the descriptors of every fd-bearing shape in
// response. Each shape gets exactly the descriptors it declared, in the order
// they were received, and its pending count is cleared. The shapes must
// together declare exactly what the frame carried.
//
// Descriptors are read while the frame that declared them is being processed,
// so a later pipelined frame can never take them. On success they belong to
// the caller; on any failure, a panic included, the ones taken are closed.
func (c *Channel) receiveFileDescriptors(response any, declared int32) error {
	carriers := message.Shapes(response)
	if !validDescriptorCount(int64(declared)) {
		c.stats.descriptor.Add(1)
		resetCarriers(carriers)
		return fmt.Errorf("%w: frame declared %d descriptors", ErrDescriptorMismatch, declared)
	}

	var expected int64
	for _, s := range carriers {
		n := s.PendingFds()
		if !validDescriptorCount(int64(n)) {
			c.stats.descriptor.Add(1)
			c.discardDescriptors(int(declared))
			resetCarriers(carriers)
			return fmt.Errorf("%w: %s declared %d descriptors", ErrDescriptorMismatch, s.Kind(), n)
		}
		expected += int64(n)
	}
	if expected != int64(declared) {
		c.stats.descriptor.Add(1)
		c.discardDescriptors(int(declared))
		resetCarriers(carriers)
		return fmt.Errorf("%w: frame carried %d, %s payload declared %d", ErrDescriptorMismatch, declared,
			message.KindOf(response), expected)
	}

	var attached []int
	done, short := false, false
	defer func() {
		if done {
			return
		}
		transport.CloseDescriptors(attached...)
		resetCarriers(carriers)
		if !short {
			c.discardDescriptors(int(declared) - len(attached))
		}
	}()

	for _, s := range carriers {
		n := s.PendingFds()
		s.SetDescriptors(nil)
		if n > 0 {
			fds := make([]int, n)
			if err := c.transport.ReceiveFileDescriptors(fds); err != nil {
				c.stats.descriptor.Add(1)
				short = true
				return fmt.Errorf("%w: %s: %w", ErrDescriptorMismatch, s.Kind(), err)
			}
			attached = append(attached, fds...)
			wire := make([]int32, n)
			for i, fd := range fds {
				wire[i] = int32(fd)
			}
			s.SetDescriptors(wire)
			c.report.FileDescriptorsReceived(s.Kind(), fds)
		}
		s.SetPendingFds(0)
	}
	done = true
	return nil
}

// validDescriptorCount bounds a count read off the wire; one frame never
// carries more descriptors than one read can receive.
func validDescriptorCount(n int64) bool {
	return n >= 0 && n <= transport.MaxDescriptorsPerRead
}

// discardDescriptors takes up to n descriptors nobody will own and closes
// them, keeping the descriptor queue aligned with the frames.
func (c *Channel) discardDescriptors(n int) {
	n = min(n, transport.MaxDescriptorsPerRead)
	one := make([]int, 1)
	for ; n > 0; n-- {
		if err := c.transport.ReceiveFileDescriptors(one); err != nil {
			return
		}
		transport.CloseDescriptors(one[0])
	}
}

func resetCarriers(carriers []message.FdCarrier) {
	for _, s := range carriers {
		s.SetDescriptors(nil)
		s.SetPendingFds(0)
	}
}
