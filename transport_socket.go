package raven

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SocketTransport opens a fresh connection for every request and closes it
// once the status line has been read.
type SocketTransport struct {
	config    *TransportConfig
	endpoint  *Endpoint
	tlsConfig *tls.Config
	dialer    *net.Dialer
	logger    *zap.Logger
	now       func() time.Time
}

// NewSocketTransport creates a blocking, connection-per-send transport.
func NewSocketTransport(config *TransportConfig, endpoint *Endpoint, logger *zap.Logger) (*SocketTransport, error) {
	t := &SocketTransport{
		config:   config,
		endpoint: endpoint,
		dialer:   &net.Dialer{Timeout: config.ConnectTimeout},
		logger:   logger,
		now:      time.Now,
	}

	if endpoint.TLS() {
		tlsConfig, err := newTLSConfig(config, endpoint)
		if err != nil {
			return nil, err
		}
		t.tlsConfig = tlsConfig
	}

	return t, nil
}

// Send implements Sender
func (t *SocketTransport) Send(ctx context.Context, payload []byte) error {
	req, err := t.Prepare(payload)
	if err != nil {
		return err
	}
	return t.Deliver(ctx, req)
}

// Prepare implements Transport
func (t *SocketTransport) Prepare(payload []byte) (*Request, error) {
	return newStoreRequest(t.endpoint, payload, t.now()), nil
}

// Deliver writes the framed request and succeeds only on a 200 status line.
func (t *SocketTransport) Deliver(ctx context.Context, req *Request) error {
	const op = "socket_deliver"

	conn, err := t.dial(ctx)
	if err != nil {
		t.logger.Error("Failed to connect to collector",
			zap.String("address", t.endpoint.Address()),
			zap.Error(err))
		return transportError(op, err)
	}
	defer conn.Close()

	if t.config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.config.Timeout))
	}

	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", req.Method, req.Path)
	fmt.Fprintf(w, "Host: %s\r\n", t.endpoint.HostHeader())
	if err := req.Header.Write(w); err != nil {
		return transportError(op, err)
	}
	w.WriteString("Connection: close\r\n\r\n")
	w.Write(req.Body)
	if err := w.Flush(); err != nil {
		return transportError(op, err)
	}

	line, err := textproto.NewReader(bufio.NewReader(conn)).ReadLine()
	if err != nil {
		return transportError(op, err)
	}

	status, err := parseStatusLine(line)
	if err != nil {
		return &Error{Op: op, Kind: KindTransport, Message: err.Error(), Err: err}
	}
	if status != "200" {
		return &Error{Op: op, Kind: KindTransport, Message: fmt.Sprintf("collector responded %s", strings.TrimSpace(strings.SplitN(line, " ", 2)[1]))}
	}

	t.logger.Debug("Event delivered", zap.String("address", t.endpoint.Address()))
	return nil
}

func (t *SocketTransport) dial(ctx context.Context) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.endpoint.Address())
	if err != nil {
		return nil, err
	}
	if t.tlsConfig == nil {
		return conn, nil
	}

	tlsConn := tls.Client(conn, t.tlsConfig)
	hsCtx := ctx
	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// parseStatusLine returns the status code of "HTTP/1.1 200 OK".
func parseStatusLine(line string) (string, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") || len(parts[1]) != 3 {
		return "", fmt.Errorf("malformed status line: %q", line)
	}
	return parts[1], nil
}
