package raven

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// Protocol is the collector scheme named by a DSN.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolUDP   Protocol = "udp"
)

// DefaultPort returns the port used when the DSN omits one.
// UDP has no registered collector port; 80 is kept for compatibility.
func (p Protocol) DefaultPort() int {
	switch p {
	case ProtocolHTTPS:
		return 443
	default:
		return 80
	}
}

func (p Protocol) valid() bool {
	return p == ProtocolHTTP || p == ProtocolHTTPS || p == ProtocolUDP
}

// Endpoint is a parsed DSN. It is immutable once returned by ParseDSN.
type Endpoint struct {
	Protocol  Protocol
	PublicKey string
	SecretKey string
	Host      string
	Port      int
	ProjectID string

	// RequestPath is {path}api/{project_id}/store/
	RequestPath string
	// ServerURL is always fully qualified, port included.
	ServerURL string
}

// {protocol}://{public_key}[:{secret_key}]@{host}[:{port}]/{path}{project_id}
var dsnRegex = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9+.\-]*)://([^:@/]+)(?::([^@/]*))?@([^:@/]+)(?::([^/]*))?/((?:[^/]*/)*)([^/]+)$`)

// ParseDSN parses a connection string into an Endpoint.
func ParseDSN(dsn string) (*Endpoint, error) {
	const op = "dsn_parse"

	if dsn == "" {
		return nil, ErrEmptyDSN
	}

	idx := dsnRegex.FindStringSubmatchIndex(dsn)
	if idx == nil {
		return nil, &Error{Op: op, Kind: KindConfig, Message: "failed to parse DSN"}
	}

	group := func(n int) (string, bool) {
		if idx[2*n] < 0 {
			return "", false
		}
		return dsn[idx[2*n]:idx[2*n+1]], true
	}

	scheme, _ := group(1)
	protocol := Protocol(scheme)
	if !protocol.valid() {
		return nil, &Error{Op: op, Kind: KindConfig, Message: fmt.Sprintf("unsupported protocol: %s", scheme)}
	}

	publicKey, _ := group(2)
	secretKey, _ := group(3)
	host, _ := group(4)
	path, _ := group(6)
	projectID, _ := group(7)

	port := protocol.DefaultPort()
	if rawPort, ok := group(5); ok {
		p, err := strconv.Atoi(rawPort)
		if err != nil || p <= 0 || p > 65535 {
			return nil, &Error{Op: op, Kind: KindConfig, Message: fmt.Sprintf("illegal port: %s", rawPort)}
		}
		port = p
	}

	requestPath := "/" + path + "api/" + projectID + "/store/"

	return &Endpoint{
		Protocol:    protocol,
		PublicKey:   publicKey,
		SecretKey:   secretKey,
		Host:        host,
		Port:        port,
		ProjectID:   projectID,
		RequestPath: requestPath,
		ServerURL:   fmt.Sprintf("%s://%s:%d%s", protocol, host, port, requestPath),
	}, nil
}

// Address returns host:port for dialing.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// HostHeader is the value of the HTTP Host header; the port is omitted when it is the default.
func (e *Endpoint) HostHeader() string {
	if e.Port == e.Protocol.DefaultPort() {
		return e.Host
	}
	return e.Address()
}

// TLS reports whether the endpoint requires a TLS session.
func (e *Endpoint) TLS() bool {
	return e.Protocol == ProtocolHTTPS
}
