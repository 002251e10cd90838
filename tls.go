package zmsg

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
)

// TLSConfig carries the allow-lists a TLS session is negotiated from. Empty
// lists leave the choice to the runtime.
type TLSConfig struct {
	Versions           []uint16
	CipherSuites       []uint16
	ServerName         string
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	Certificates       []tls.Certificate
}

var supportedVersions = []uint16{tls.VersionTLS10, tls.VersionTLS11, tls.VersionTLS12, tls.VersionTLS13}

// client versions crypto/tls offers when MinVersion and MaxVersion are unset
var defaultVersions = []uint16{tls.VersionTLS12, tls.VersionTLS13}

// clientConfig intersects the allow-lists with what crypto/tls supports.
// Only versions in the intersection are accepted, even when the list has
// gaps, and a cipher allow-list must leave a suite for every pre-1.3
// version that can be negotiated.
func (t *TLSConfig) clientConfig(endpoint string) (*tls.Config, error) {
	config := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
		RootCAs:            t.RootCAs,
		Certificates:       t.Certificates,
	}
	if config.ServerName == "" {
		if host, _, err := net.SplitHostPort(endpoint); err == nil {
			config.ServerName = host
		}
	}

	versions := defaultVersions
	if len(t.Versions) > 0 {
		versions = intersect(t.Versions, supportedVersions)
		if len(versions) == 0 {
			return nil, fmt.Errorf("zmsg: no supported TLS version in allow-list %v", t.Versions)
		}
		config.MinVersion, config.MaxVersion = versions[0], versions[0]
		for _, v := range versions {
			if v < config.MinVersion {
				config.MinVersion = v
			}
			if v > config.MaxVersion {
				config.MaxVersion = v
			}
		}
		config.VerifyConnection = func(cs tls.ConnectionState) error {
			for _, v := range versions {
				if cs.Version == v {
					return nil
				}
			}
			return fmt.Errorf("zmsg: negotiated %s outside allow-list", tls.VersionName(cs.Version))
		}
	}

	if len(t.CipherSuites) > 0 {
		runtime := make(map[uint16]*tls.CipherSuite)
		var ids []uint16
		for _, s := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
			runtime[s.ID] = s
			ids = append(ids, s.ID)
		}
		config.CipherSuites = intersect(t.CipherSuites, ids)

		// TLS 1.3 suites are not configurable, so only older versions need one
		for _, v := range versions {
			if v >= tls.VersionTLS13 {
				continue
			}
			if !anySuiteFor(v, config.CipherSuites, runtime) {
				return nil, fmt.Errorf("zmsg: no supported cipher suite in allow-list for %s", tls.VersionName(v))
			}
		}
	}
	return config, nil
}

func anySuiteFor(version uint16, suites []uint16, runtime map[uint16]*tls.CipherSuite) bool {
	for _, id := range suites {
		for _, v := range runtime[id].SupportedVersions {
			if v == version {
				return true
			}
		}
	}
	return false
}

func intersect(allow, supported []uint16) (out []uint16) {
	for _, a := range allow {
		for _, s := range supported {
			if a == s {
				out = append(out, a)
				break
			}
		}
	}
	return
}

func tlsClient(rw net.Conn, config *tls.Config) *tls.Conn {
	return tls.Client(rw, config)
}
