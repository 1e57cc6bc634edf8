package raven

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Sender delivers a serialized event to the collector.
// Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// Transport is a Sender whose delivery is split into building the wire
// request and performing the I/O, so the request can be queued in between.
type Transport interface {
	Sender
	// Prepare builds a fully prepared request. It performs no I/O.
	Prepare(payload []byte) (*Request, error)
	// Deliver performs the blocking I/O for a prepared request.
	Deliver(ctx context.Context, req *Request) error
}

// Request is a prepared wire request; it is also the async queue entry.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// NewTransport selects the transport named by cfg.Kind.
func NewTransport(cfg *TransportConfig, endpoint *Endpoint, logger *zap.Logger) (Transport, error) {
	switch cfg.Kind {
	case TransportSocket:
		return NewSocketTransport(cfg, endpoint, logger)
	case TransportHTTP, "":
		return NewHTTPTransport(cfg, endpoint, logger)
	case TransportUDP:
		return NewUDPTransport(cfg, endpoint, logger)
	default:
		return nil, &Error{Op: "new_transport", Kind: KindConfig, Message: fmt.Sprintf("unknown transport kind: %q", cfg.Kind)}
	}
}

// newStoreRequest builds the POST to the store endpoint shared by the
// socket and pooled HTTP transports.
func newStoreRequest(endpoint *Endpoint, payload []byte, now time.Time) *Request {
	header := make(http.Header, 4)
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(payload)))
	header.Set("User-Agent", ClientID())
	header.Set("X-Sentry-Auth", AuthHeader(endpoint, now, ClientID()))

	return &Request{
		Method: http.MethodPost,
		Path:   endpoint.RequestPath,
		Header: header,
		Body:   payload,
	}
}

func newTLSConfig(cfg *TransportConfig, endpoint *Endpoint) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         endpoint.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, &Error{Op: "tls_config", Kind: KindConfig, Message: fmt.Sprintf("failed to read ca file: %v", err), Err: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &Error{Op: "tls_config", Kind: KindConfig, Message: fmt.Sprintf("no certificates found in %s", cfg.CAFile)}
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
