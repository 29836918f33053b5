//go:build linux

package tcpserver

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend uses level-triggered epoll. Interest changes are pushed to the
// kernel with EPOLL_CTL_MOD, which is why callers must report outbound
// buffer changes through UpdateReadinessInterest.
type epollBackend struct {
	epfd int
	buf  []unix.EpollEvent
}

func newEpollBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	return &epollBackend{epfd: epfd, buf: make([]unix.EpollEvent, 256)}, nil
}

func (b *epollBackend) name() string {
	return BackendEpoll
}

func epollMask(in interest) uint32 {
	var mask uint32
	if in.read {
		mask |= unix.EPOLLIN
	}
	if in.write {
		mask |= unix.EPOLLOUT
	}

	return mask
}

func (b *epollBackend) add(fd int, in interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (b *epollBackend) modify(fd int, in interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (b *epollBackend) remove(fd int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) wait(timeout time.Duration, events []readyEvent) ([]readyEvent, error) {
	n, err := unix.EpollWait(b.epfd, b.buf, timeoutMillis(timeout))
	if errors.Is(err, unix.EINTR) {
		return events, nil
	}
	if err != nil {
		return events, err
	}

	for _, ev := range b.buf[:n] {
		events = append(events, readyEvent{
			fd:       int(ev.Fd),
			readable: ev.Events&unix.EPOLLIN != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			hangup:   ev.Events&unix.EPOLLHUP != 0,
			failed:   ev.Events&unix.EPOLLERR != 0,
		})
	}

	if n == len(b.buf) {
		b.buf = make([]unix.EpollEvent, 2*len(b.buf))
	}

	return events, nil
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}
