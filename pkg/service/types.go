package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/always-cache/adaptation-registry/pkg/options"
)

// Method is which message side an adaptation service inspects.
type Method string

const (
	ReqMod   Method = "REQMOD"
	RespMod  Method = "RESPMOD"
	NoMethod Method = "NONE"
)

// VectoringPoint is where in the proxy pipeline a service is called.
type VectoringPoint string

const (
	PreCache         VectoringPoint = "PRE_CACHE"
	PostCache        VectoringPoint = "POST_CACHE"
	NoVectoringPoint VectoringPoint = "NONE"
)

// Bypass governs whether the enclosing transaction must abort when the
// service is down.
type Bypass string

const (
	Essential Bypass = "essential"
	Optional  Bypass = "optional"
)

// Kind distinguishes the adaptation wire protocol an Endpoint speaks.
type Kind string

const (
	KindICAP Kind = "icap"
	KindECAP Kind = "ecap"
)

// Endpoint is the parsed form of an adaptation_service URI.
type Endpoint struct {
	Kind     Kind
	Host     string
	Port     string // empty if the URI didn't specify one
	Resource string
}

func (e Endpoint) String() string {
	host := e.Host
	if e.Port != "" {
		host = host + ":" + e.Port
	}
	return fmt.Sprintf("%s://%s%s", e.Kind, host, e.Resource)
}

const maxWarnResourceLen = 1024

// ParseEndpoint parses an adaptation_service URI: a fixed scheme prefix
// (icap:// or ecap://), then host[:port]/resource.
func ParseEndpoint(uri string) (Endpoint, error) {
	var kind Kind
	var rest string
	switch {
	case strings.HasPrefix(uri, "icap://"):
		kind = KindICAP
		rest = uri[len("icap://"):]
	case strings.HasPrefix(uri, "ecap://"):
		kind = KindECAP
		rest = uri[len("ecap://"):]
	default:
		return Endpoint{}, fmt.Errorf("adaptation endpoint %q: missing icap:// or ecap:// scheme prefix", uri)
	}

	idx := strings.IndexAny(rest, ":/")
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("adaptation endpoint %q: missing resource path", uri)
	}
	host := rest[:idx]
	if host == "" {
		return Endpoint{}, fmt.Errorf("adaptation endpoint %q: missing host", uri)
	}

	var port, resource string
	if rest[idx] == ':' {
		remainder := rest[idx+1:]
		slash := strings.IndexByte(remainder, '/')
		if slash < 0 {
			return Endpoint{}, fmt.Errorf("adaptation endpoint %q: missing resource path after port", uri)
		}
		port = remainder[:slash]
		resource = remainder[slash:]
	} else {
		resource = rest[idx:]
	}

	ep := Endpoint{Kind: kind, Host: host, Port: port, Resource: resource}
	return ep, nil
}

// ResourceTooLong reports whether ep's resource exceeds the 1024-byte
// warning threshold (callers log a warning, they do not reject the
// config).
func (e Endpoint) ResourceTooLong() bool {
	return len(e.Resource) > maxWarnResourceLen
}

// Capability is the small composition point standing in for a deep
// inheritance hierarchy: an adaptation service kind (ICAP, eCAP, ...)
// supplies both how to fetch raw capability bytes and how to decode them,
// the core state machine knows nothing else about it.
type Capability interface {
	// Probe fetches the raw OPTIONS-equivalent response for endpoint.
	Probe(ctx context.Context, endpoint Endpoint) ([]byte, error)
	// DecodeOptions turns a successful Probe's bytes into an Options
	// record. now is the local clock at decode time, for the clock-skew
	// check.
	DecodeOptions(raw []byte, now time.Time) (*options.Options, error)
}

// Config is the registry-wide policy every Service is built with: the
// failure-limit/revival-delay/min-update-gap/expected-probe-duration
// directives.
type Config struct {
	// FailureLimit is the session-failure count above which a service is
	// suspended. -1 disables the limit.
	FailureLimit          int
	RevivalDelay          time.Duration
	MinUpdateGap          time.Duration
	ExpectedProbeDuration time.Duration
	// ProbeTimeout bounds how long a single probe's network fetch may
	// block.
	ProbeTimeout time.Duration
}

// DefaultConfig matches the adaptation_service directive defaults.
func DefaultConfig() Config {
	return Config{
		FailureLimit:          -1,
		RevivalDelay:          180 * time.Second,
		MinUpdateGap:          30 * time.Second,
		ExpectedProbeDuration: 20 * time.Second,
		ProbeTimeout:          10 * time.Second,
	}
}

var (
	// ErrDeconfigured is returned by CallWhenReady when the service has
	// already been invalidated.
	ErrDeconfigured = errors.New("service: deconfigured")
	// ErrBroken is returned by CallWhenReady when the service has been
	// probed and is down; callers must consult Bypass themselves rather
	// than wait.
	ErrBroken = errors.New("service: broken")
	// ErrNoOptions is returned by WantsURL/WantsPreview while the service
	// holds no options: before the first probe completes, and after a
	// failed probe has cleared them.
	ErrNoOptions = errors.New("service: no options present")
)

// Stats are cumulative bookkeeping counters, supplemental to the core
// state machine, exposed for the admin surface.
type Stats struct {
	ProbesAttempted int
	ProbesFailed    int
	TimesSuspended  int
	WaitersFired    int
	WaitersDropped  int
}
