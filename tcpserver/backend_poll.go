package tcpserver

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend rebuilds its poll(2) set from the registered interests on every
// wait, so it works on every unix at O(connections) per call.
type pollBackend struct {
	interests map[int]interest
	fds       []unix.PollFd
}

func newPollBackend() *pollBackend {
	return &pollBackend{interests: make(map[int]interest)}
}

func (b *pollBackend) name() string {
	return BackendPoll
}

func (b *pollBackend) add(fd int, in interest) error {
	b.interests[fd] = in
	return nil
}

func (b *pollBackend) modify(fd int, in interest) error {
	b.interests[fd] = in
	return nil
}

func (b *pollBackend) remove(fd int) error {
	delete(b.interests, fd)
	return nil
}

func (b *pollBackend) wait(timeout time.Duration, events []readyEvent) ([]readyEvent, error) {
	b.fds = b.fds[:0]
	for fd, in := range b.interests {
		var mask int16
		if in.read {
			mask |= unix.POLLIN
		}
		if in.write {
			mask |= unix.POLLOUT
		}
		b.fds = append(b.fds, unix.PollFd{Fd: int32(fd), Events: mask})
	}

	n, err := unix.Poll(b.fds, timeoutMillis(timeout))
	if errors.Is(err, unix.EINTR) {
		return events, nil
	}
	if err != nil {
		return events, err
	}

	for i := 0; i < len(b.fds) && n > 0; i++ {
		re := b.fds[i].Revents
		if re == 0 {
			continue
		}
		n--

		events = append(events, readyEvent{
			fd:       int(b.fds[i].Fd),
			readable: re&unix.POLLIN != 0,
			writable: re&unix.POLLOUT != 0,
			hangup:   re&unix.POLLHUP != 0,
			failed:   re&(unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}

	return events, nil
}

func (b *pollBackend) close() error {
	clear(b.interests)
	return nil
}
