package tcpserver

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// waker is a self-pipe. Goroutines other than the reactor write a byte to
// interrupt a blocked backend wait.
type waker struct {
	r int
	w int

	mu     sync.Mutex
	closed bool
}

func newWaker() (*waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}

	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, fmt.Errorf("set nonblock: %w", err)
		}
	}

	return &waker{r: p[0], w: p[1]}, nil
}

// wake never blocks. A full pipe already guarantees a pending wakeup.
func (w *waker) wake() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		_, _ = unix.Write(w.w, []byte{1})
	}
}

func (w *waker) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *waker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	w.closed = true
	_ = unix.Close(w.r)
	_ = unix.Close(w.w)
}
