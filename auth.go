package raven

import (
	"strconv"
	"strings"
	"time"
)

const (
	ClientName    = "raven-go-rr"
	ClientVersion = "0.6.0"

	protocolVersion    = 6
	udpProtocolVersion = "2.0"

	timestampLayout = "2006-01-02T15:04:05"
)

// ClientID is the sentry_client / User-Agent value.
func ClientID() string {
	return ClientName + "/" + ClientVersion
}

// FormatTimestamp renders t as a second-precision UTC ISO-8601 string.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// AuthHeader builds the X-Sentry-Auth value for HTTP collectors.
// It must be regenerated for every request.
func AuthHeader(endpoint *Endpoint, now time.Time, clientID string) string {
	var b strings.Builder
	b.WriteString("Sentry sentry_version=")
	b.WriteString(strconv.Itoa(protocolVersion))
	b.WriteString(", sentry_client=")
	b.WriteString(clientID)
	b.WriteString(", sentry_timestamp=")
	b.WriteString(FormatTimestamp(now))
	b.WriteString(", sentry_key=")
	b.WriteString(endpoint.PublicKey)
	if endpoint.SecretKey != "" {
		b.WriteString(", sentry_secret=")
		b.WriteString(endpoint.SecretKey)
	}
	return b.String()
}

// udpAuthHeader is the preamble of a datagram, comma separated without spaces.
func udpAuthHeader(endpoint *Endpoint, now time.Time, clientID string) string {
	var b strings.Builder
	b.WriteString("Sentry sentry_version=")
	b.WriteString(udpProtocolVersion)
	b.WriteString(",sentry_client=")
	b.WriteString(clientID)
	b.WriteString(",sentry_timestamp=")
	b.WriteString(FormatTimestamp(now))
	b.WriteString(",sentry_key=")
	b.WriteString(endpoint.PublicKey)
	if endpoint.SecretKey != "" {
		b.WriteString(",sentry_secret=")
		b.WriteString(endpoint.SecretKey)
	}
	return b.String()
}
