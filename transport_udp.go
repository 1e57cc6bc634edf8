package raven

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// UDPTransport is fire-and-forget: a send succeeds once the local network
// stack accepts the datagram.
type UDPTransport struct {
	config   *TransportConfig
	endpoint *Endpoint
	dialer   *net.Dialer
	logger   *zap.Logger
	now      func() time.Time
}

// NewUDPTransport creates a datagram transport
func NewUDPTransport(config *TransportConfig, endpoint *Endpoint, logger *zap.Logger) (*UDPTransport, error) {
	return &UDPTransport{
		config:   config,
		endpoint: endpoint,
		dialer:   &net.Dialer{Timeout: config.ConnectTimeout},
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Send implements Sender
func (t *UDPTransport) Send(ctx context.Context, payload []byte) error {
	req, err := t.Prepare(payload)
	if err != nil {
		return err
	}
	return t.Deliver(ctx, req)
}

// Prepare frames the datagram as "<auth>\n\n<json>\n".
func (t *UDPTransport) Prepare(payload []byte) (*Request, error) {
	auth := udpAuthHeader(t.endpoint, t.now(), ClientID())

	body := make([]byte, 0, len(auth)+len(payload)+3)
	body = append(body, auth...)
	body = append(body, '\n', '\n')
	body = append(body, payload...)
	body = append(body, '\n')

	return &Request{Body: body}, nil
}

// Deliver writes a single datagram.
func (t *UDPTransport) Deliver(ctx context.Context, req *Request) error {
	const op = "udp_deliver"

	conn, err := t.dialer.DialContext(ctx, "udp", t.endpoint.Address())
	if err != nil {
		return transportError(op, err)
	}
	defer conn.Close()

	if t.config.Timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.config.Timeout))
	}
	if _, err := conn.Write(req.Body); err != nil {
		t.logger.Error("Failed to write datagram", zap.String("address", t.endpoint.Address()), zap.Error(err))
		return transportError(op, err)
	}
	return nil
}
