package tcpserver

import (
	"errors"
	"fmt"
	"time"
)

// Backend names accepted by Config.Backend.
const (
	BackendAuto  = "auto"
	BackendPoll  = "poll"
	BackendEpoll = "epoll"
)

var errBackendUnsupported = errors.New("readiness backend not supported on this platform")

type interest struct {
	read  bool
	write bool
}

type readyEvent struct {
	fd       int
	readable bool
	writable bool
	hangup   bool
	failed   bool
}

// backend is a readiness notification mechanism. Descriptors stay registered
// even with no interest so errors and hangups are still reported.
type backend interface {
	name() string
	add(fd int, in interest) error
	modify(fd int, in interest) error
	remove(fd int) error
	wait(timeout time.Duration, events []readyEvent) ([]readyEvent, error)
	close() error
}

// newBackend picks the backend named by kind. "auto" prefers epoll and falls
// back to poll when the kernel does not provide it.
func newBackend(kind string) (backend, error) {
	switch kind {
	case BackendPoll:
		return newPollBackend(), nil
	case BackendEpoll:
		return newEpollBackend()
	case BackendAuto, "":
		if b, err := newEpollBackend(); err == nil {
			return b, nil
		}
		return newPollBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

func timeoutMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}

	return int((d + time.Millisecond - 1) / time.Millisecond)
}
