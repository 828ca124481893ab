// Package icap implements the ICAP half of the Capability composition
// point: it knows how to send an OPTIONS request to an ICAP endpoint and
// how to decode the handful of ICAP-specific headers pkg/options needs.
// It intentionally does not implement the rest of the ICAP protocol
// (request/response modification, chunked encapsulation, previews).
package icap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/adaptation-registry/pkg/options"
	"github.com/always-cache/adaptation-registry/pkg/service"
)

const defaultPort = "1344"

// Decoder probes an ICAP endpoint with OPTIONS and decodes the response.
type Decoder struct {
	Logger zerolog.Logger
	// Dialer lets tests substitute an in-process listener; nil uses
	// net.Dialer{}.
	Dialer interface {
		DialContext(ctx context.Context, network, address string) (net.Conn, error)
	}
}

// New returns a Decoder using the default net.Dialer.
func New(logger zerolog.Logger) *Decoder {
	return &Decoder{Logger: logger, Dialer: &net.Dialer{}}
}

// Probe sends `OPTIONS icap://host/resource ICAP/1.0` and returns the raw
// response bytes.
func (d *Decoder) Probe(ctx context.Context, ep service.Endpoint) ([]byte, error) {
	port := ep.Port
	if port == "" {
		port = defaultPort
	}
	addr := net.JoinHostPort(ep.Host, port)

	dialer := d.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("icap: dial %s: %w", addr, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	req := fmt.Sprintf(
		"OPTIONS icap://%s%s ICAP/1.0\r\nHost: %s\r\nUser-Agent: adaptation-registry\r\n\r\n",
		ep.Host, ep.Resource, ep.Host,
	)
	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, fmt.Errorf("icap: writing OPTIONS request: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(conn); err != nil && buf.Len() == 0 {
		return nil, fmt.Errorf("icap: reading OPTIONS response: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeOptions parses an ICAP OPTIONS response's status line and headers.
func (d *Decoder) DecodeOptions(raw []byte, now time.Time) (*options.Options, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("icap: reading status line: %w", err)
	}
	if !strings.Contains(statusLine, " 200 ") && !strings.HasSuffix(strings.TrimRight(statusLine, "\r\n"), " 200") {
		return nil, fmt.Errorf("icap: non-200 OPTIONS response: %q", strings.TrimSpace(statusLine))
	}

	tp := textproto.NewReader(reader)
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return nil, fmt.Errorf("icap: reading headers: %w", err)
	}

	var methods []options.Method
	if m := hdr.Get("Methods"); m != "" {
		for _, tok := range strings.Split(m, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			methods = append(methods, options.Method(strings.ToUpper(tok)))
		}
	}

	previewSize := -1
	if p := hdr.Get("Preview"); p != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			previewSize = n
		}
	}

	allows204 := false
	if allow := hdr.Get("Allow"); allow != "" {
		for _, tok := range strings.Split(allow, ",") {
			if strings.TrimSpace(tok) == "204" {
				allows204 = true
			}
		}
	}

	ttl := time.Hour
	if t := hdr.Get("Options-Ttl"); t != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			ttl = time.Duration(n) * time.Second
		}
	}

	return options.New(options.Config{
		Valid:       true,
		Methods:     methods,
		PreviewSize: previewSize,
		Allows204:   allows204,
		TTL:         ttl,
		Timestamp:   now,
	}, d.Logger, nil), nil
}
