package tcpserver

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// NewTLSConfig loads a certificate pair and builds a server configuration
// that requires TLS 1.2 or newer.
//
// Parameters:
//   - certFile: PEM certificate chain
//   - keyFile: PEM private key
//   - cipherSuites: Preferred TLS 1.2 cipher suite names, e.g.
//     "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256". Empty keeps the Go defaults.
//
// Returns:
//   - The TLS configuration
//   - An error if the pair cannot be loaded or a suite name is unknown
func NewTLSConfig(certFile, keyFile string, cipherSuites []string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}

	suites, err := ParseCipherSuites(cipherSuites)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: suites,
	}, nil
}

// ParseCipherSuites maps suite names to IDs. Names are matched case
// insensitively against the suites crypto/tls implements.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[strings.ToUpper(s.Name)] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[strings.ToUpper(s.Name)] = s.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		id, ok := known[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}

	return ids, nil
}
