// Package netconf resolves outbound proxy and TLS trust settings for stream
// connections from environment state. Resolution never fails: malformed
// values log a warning and fall back to a safe default.
package netconf

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/aqstream/aqstream/internal/ingest/logging"
)

// Env looks up one environment variable. Using a function instead of the
// process environment keeps resolution testable.
type Env func(key string) string

// OSEnv reads from the process environment.
func OSEnv(key string) string { return os.Getenv(key) }

// Environment variable names honored by the resolvers.
const (
	EnvForceNoProxy = "FORCE_NO_PROXY"
	EnvStreamProxy  = "EVENTHUB_PROXY"
	EnvHTTPSProxy   = "HTTPS_PROXY"
	EnvHTTPProxy    = "HTTP_PROXY"
	EnvNoProxy      = "NO_PROXY"
	EnvNoProxyLower = "no_proxy"
	EnvTLSVerify    = "EVENTHUB_VERIFY"
)

// Proxy holds a resolved outbound HTTP proxy.
type Proxy struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Address returns the host:port dial address of the proxy.
func (p *Proxy) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ResolveProxy resolves the proxy for a connection to targetHost.
//
// Priority order: an explicit disable flag wins, then the exclusion list,
// then the stream-specific proxy variable, then the generic HTTPS/HTTP proxy
// variables. A malformed proxy URL (missing host or port) logs a warning and
// resolves to no proxy; this function never fails.
func ResolveProxy(env Env, targetHost string, log logging.ServiceLogger) *Proxy {
	if env(EnvForceNoProxy) == "1" {
		log.Info("proxy disabled by flag", logging.LogFields{"var": EnvForceNoProxy})
		return nil
	}

	if hostExcluded(env, targetHost) {
		log.Info("proxy exclusion list matches target host", logging.LogFields{"host": targetHost})
		return nil
	}

	raw := env(EnvStreamProxy)
	if raw == "" {
		raw = env(EnvHTTPSProxy)
	}
	if raw == "" {
		raw = env(EnvHTTPProxy)
	}
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" || u.Port() == "" {
		log.Warn("invalid proxy URL, continuing without proxy", logging.LogFields{"proxy": raw})
		return nil
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil {
		log.Warn("invalid proxy port, continuing without proxy", logging.LogFields{"proxy": raw})
		return nil
	}

	p := &Proxy{Host: u.Hostname(), Port: port}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	log.Info("proxy resolved", logging.LogFields{"proxy_host": p.Host, "proxy_port": p.Port})
	return p
}

// hostExcluded reports whether host matches the NO_PROXY exclusion list.
// Patterns match exactly, as a dot-prefixed suffix (".example.net"), as a
// bare domain suffix ("example.net" matching "x.example.net"), or as the
// "*" wildcard.
func hostExcluded(env Env, host string) bool {
	raw := env(EnvNoProxy)
	if raw == "" {
		raw = env(EnvNoProxyLower)
	}
	if raw == "" {
		return false
	}

	hostL := strings.ToLower(host)
	for _, pat := range strings.Split(raw, ",") {
		patL := strings.ToLower(strings.TrimSpace(pat))
		if patL == "" {
			continue
		}
		switch {
		case patL == "*":
			return true
		case hostL == patL:
			return true
		case strings.HasPrefix(patL, ".") && strings.HasSuffix(hostL, patL):
			return true
		case strings.HasSuffix(hostL, "."+patL):
			return true
		}
	}
	return false
}

// TrustMode enumerates TLS trust configurations.
type TrustMode int

const (
	// TrustSystem verifies server certificates against the system trust
	// store.
	TrustSystem TrustMode = iota
	// TrustCustomCA verifies against a custom CA bundle file.
	TrustCustomCA
	// TrustDisabled skips server certificate verification entirely.
	// Unsafe; test-only.
	TrustDisabled
)

// TLSTrust is a resolved TLS trust configuration.
type TLSTrust struct {
	Mode   TrustMode
	CAFile string
}

var falseValues = map[string]bool{"false": true, "0": true, "no": true}
var trueValues = map[string]bool{"true": true, "1": true, "yes": true}

// ResolveTLS resolves the TLS trust setting. An explicit disable value is
// honored but logged loudly; an unparsable value falls back to the system
// trust store with a warning rather than failing.
func ResolveTLS(env Env, log logging.ServiceLogger) TLSTrust {
	v := strings.TrimSpace(env(EnvTLSVerify))
	if v == "" {
		return TLSTrust{Mode: TrustSystem}
	}

	switch vv := strings.ToLower(v); {
	case falseValues[vv]:
		log.Warn("TLS CERTIFICATE VERIFICATION DISABLED - unsafe, test-only", logging.LogFields{"var": EnvTLSVerify})
		return TLSTrust{Mode: TrustDisabled}
	case trueValues[vv]:
		return TLSTrust{Mode: TrustSystem}
	}

	if info, err := os.Stat(v); err == nil && !info.IsDir() {
		log.Info("TLS trust using custom CA bundle", logging.LogFields{"ca_file": v})
		return TLSTrust{Mode: TrustCustomCA, CAFile: v}
	}

	log.Warn("unrecognized TLS verify value, using system trust store", logging.LogFields{"value": v})
	return TLSTrust{Mode: TrustSystem}
}

// ClientConfig builds a tls.Config from the resolved trust setting.
func (t TLSTrust) ClientConfig() (*tls.Config, error) {
	switch t.Mode {
	case TrustDisabled:
		return &tls.Config{InsecureSkipVerify: true}, nil // #nosec G402 - explicit operator opt-in, logged loudly
	case TrustCustomCA:
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("netconf: read CA bundle %s: %w", t.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("netconf: no certificates found in %s", t.CAFile)
		}
		return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
	default:
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
}
