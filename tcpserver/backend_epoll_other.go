//go:build !linux

package tcpserver

func newEpollBackend() (backend, error) {
	return nil, errBackendUnsupported
}
