package transport

import (
	"fmt"
	"net"
	"os"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// WriteMessage writes data and, when fds is non-empty, attaches them as
// SCM_RIGHTS to the same sendmsg so they arrive with the first byte of data.
func WriteMessage(conn *net.UnixConn, data []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, _, err := conn.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	// A stream socket may accept a prefix; the remainder goes out without
	// ancillary data, which has already been delivered with the prefix.
	for n < len(data) {
		m, err := conn.Write(data[n:])
		if err != nil {
			return fmt.Errorf("%w: write: %w", ErrTransport, err)
		}
		n += m
	}
	return nil
}

// ParseDescriptors extracts every SCM_RIGHTS descriptor from oob.
func ParseDescriptors(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: control message: %w", ErrTransport, err)
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, fmt.Errorf("%w: unix rights: %w", ErrTransport, err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// CloseDescriptors closes every fd, returning the combined errors.
func CloseDescriptors(fds ...int) error {
	var err error
	for _, fd := range fds {
		err = multierr.Append(err, unix.Close(fd))
	}
	return err
}

// SocketPair returns two connected AF_UNIX stream sockets, used to run a client
// and an in-process server without touching the filesystem.
func SocketPair() (*net.UnixConn, *net.UnixConn, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	left, err := fileConn(pair[0], "display-rpc-client")
	if err != nil {
		unix.Close(pair[1])
		return nil, nil, err
	}
	right, err := fileConn(pair[1], "display-rpc-server")
	if err != nil {
		left.Close()
		return nil, nil, err
	}
	return left, right, nil
}

func fileConn(fd int, name string) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close() // net.FileConn dups the descriptor
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("%s: not a unix socket", name)
	}
	return uc, nil
}
