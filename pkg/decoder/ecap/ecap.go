// Package ecap is the eCAP half of the Capability composition point. eCAP
// options generation has no settled wire format to decode against here;
// rather than invent eCAP semantics, this Decoder is an honest, pluggable
// stand-in that always fails: it exercises the broken/suspend path for
// eCAP-kind services without guessing at a default.
package ecap

import (
	"context"
	"errors"
	"time"

	"github.com/always-cache/adaptation-registry/pkg/options"
	"github.com/always-cache/adaptation-registry/pkg/service"
)

// ErrNotImplemented is returned by every Decoder call. See the package doc.
var ErrNotImplemented = errors.New("ecap: options generation is not implemented")

// Decoder always reports ErrNotImplemented.
type Decoder struct{}

// New returns an eCAP Decoder.
func New() *Decoder { return &Decoder{} }

func (d *Decoder) Probe(ctx context.Context, ep service.Endpoint) ([]byte, error) {
	return nil, ErrNotImplemented
}

func (d *Decoder) DecodeOptions(raw []byte, now time.Time) (*options.Options, error) {
	return nil, ErrNotImplemented
}
