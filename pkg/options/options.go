// Package options models the capability record a Service holds after a
// successful OPTIONS-style probe of an adaptation endpoint.
package options

import (
	"time"

	"github.com/rs/zerolog"
)

// Method names a side of the message exchange an adaptation service
// declares support for.
type Method string

const (
	REQMOD  Method = "REQMOD"
	RESPMOD Method = "RESPMOD"
)

// Disposition is what a service wants to do with a given URL.
type Disposition int

const (
	Ignore Disposition = iota
	Preview
	Full
)

// Config carries the fields a decoder extracts from a raw OPTIONS response.
type Config struct {
	Valid bool
	// Methods the service declares it adapts. May be empty if the decoded
	// response didn't declare any.
	Methods []Method
	// PreviewSize is the number of preview bytes requested, or -1 if the
	// service did not request a preview.
	PreviewSize int
	Allows204   bool
	TTL         time.Duration
	// Timestamp is when the service says it computed this response. Expiry
	// is always Timestamp+TTL, and Fresh compares that expiry against the
	// caller's own clock; New also compares Timestamp with that clock for
	// the clock-skew warning.
	Timestamp time.Time
	// Ignore lists URL prefixes the service never wants to see. Kept
	// intentionally simple (prefix match) — a full adaptation policy
	// language is out of scope here.
	Ignore []string
}

// Options is the immutable capability record of one successful probe.
// A nil *Options behaves as "no options" for every query method, so
// callers that require options present can query it before checking
// for nil.
type Options struct {
	cfg    Config
	expiry time.Time
	now    func() time.Time
}

// New builds an Options record from a decoded Config, evaluating the
// clock-skew policy against now (time.Now if nil).
func New(cfg Config, logger zerolog.Logger, now func() time.Time) *Options {
	if now == nil {
		now = time.Now
	}
	o := &Options{cfg: cfg, now: now}
	o.expiry = cfg.Timestamp.Add(cfg.TTL)

	skew := now().Sub(cfg.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > cfg.TTL {
		logger.Warn().
			Time("service_timestamp", cfg.Timestamp).
			Dur("ttl", cfg.TTL).
			Dur("skew", skew).
			Msg("adaptation service options timestamp differs from local clock by more than its ttl")
	}
	return o
}

// Valid reports whether the wire format was parsed successfully.
func (o *Options) Valid() bool { return o != nil && o.cfg.Valid }

// Fresh reports whether the current time is at or before expiry.
func (o *Options) Fresh() bool {
	if !o.Valid() {
		return false
	}
	return !o.now().After(o.expiry)
}

// Wants returns the adaptation disposition for url.
func (o *Options) Wants(url string) Disposition {
	if !o.Valid() {
		return Ignore
	}
	for _, prefix := range o.cfg.Ignore {
		if len(prefix) > 0 && len(url) >= len(prefix) && url[:len(prefix)] == prefix {
			return Ignore
		}
	}
	if o.cfg.PreviewSize >= 0 {
		return Preview
	}
	return Full
}

// PreviewSize returns the requested preview size, if the service wants one.
func (o *Options) PreviewSize() (int, bool) {
	if !o.Valid() || o.cfg.PreviewSize < 0 {
		return 0, false
	}
	return o.cfg.PreviewSize, true
}

// Allows204 reports whether the service supports "no modification" replies.
func (o *Options) Allows204() bool {
	return o.Valid() && o.cfg.Allows204
}

// Methods returns the methods the service declared support for.
func (o *Options) Methods() []Method {
	if !o.Valid() {
		return nil
	}
	return o.cfg.Methods
}

// TTL returns the declared freshness lifetime.
func (o *Options) TTL() time.Duration {
	if o == nil {
		return 0
	}
	return o.cfg.TTL
}

// Timestamp returns when the service computed this response.
func (o *Options) Timestamp() time.Time {
	if o == nil {
		return time.Time{}
	}
	return o.cfg.Timestamp
}

// Expiry returns Timestamp + TTL.
func (o *Options) Expiry() time.Time {
	if o == nil {
		return time.Time{}
	}
	return o.expiry
}

// HasMethod reports whether methods contains m.
func HasMethod(methods []Method, m Method) bool {
	for _, candidate := range methods {
		if candidate == m {
			return true
		}
	}
	return false
}
