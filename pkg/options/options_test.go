package options_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/adaptation-registry/pkg/options"
)

func TestFreshBeforeExpiry(t *testing.T) {
	now := time.Now()
	o := options.New(options.Config{
		Valid:     true,
		TTL:       time.Minute,
		Timestamp: now,
	}, zerolog.Nop(), func() time.Time { return now.Add(30 * time.Second) })

	if !o.Fresh() {
		t.Fatal("expected options to be fresh before expiry")
	}
}

func TestStaleAfterExpiry(t *testing.T) {
	now := time.Now()
	o := options.New(options.Config{
		Valid:     true,
		TTL:       time.Minute,
		Timestamp: now,
	}, zerolog.Nop(), func() time.Time { return now.Add(90 * time.Second) })

	if o.Fresh() {
		t.Fatal("expected options to be stale after expiry")
	}
}

func TestInvalidIsNeverFresh(t *testing.T) {
	o := options.New(options.Config{Valid: false}, zerolog.Nop(), nil)
	if o.Fresh() {
		t.Fatal("invalid options must never report fresh")
	}
}

func TestNilOptionsBehavesAsAbsent(t *testing.T) {
	var o *options.Options
	if o.Valid() || o.Fresh() {
		t.Fatal("nil *Options must behave as invalid/stale")
	}
	if _, ok := o.PreviewSize(); ok {
		t.Fatal("nil *Options must not report a preview size")
	}
}

func TestWantsIgnoresConfiguredPrefixes(t *testing.T) {
	now := time.Now()
	o := options.New(options.Config{
		Valid:       true,
		TTL:         time.Minute,
		Timestamp:   now,
		PreviewSize: -1,
		Ignore:      []string{"http://skip.example/"},
	}, zerolog.Nop(), func() time.Time { return now })

	if got := o.Wants("http://skip.example/x"); got != options.Ignore {
		t.Fatalf("Wants(ignored prefix) = %v, want Ignore", got)
	}
	if got := o.Wants("http://other.example/x"); got != options.Full {
		t.Fatalf("Wants(other url) = %v, want Full", got)
	}
}

func TestWantsPreviewWhenSizeDeclared(t *testing.T) {
	now := time.Now()
	o := options.New(options.Config{
		Valid:       true,
		TTL:         time.Minute,
		Timestamp:   now,
		PreviewSize: 128,
	}, zerolog.Nop(), func() time.Time { return now })

	if got := o.Wants("http://any.example/x"); got != options.Preview {
		t.Fatalf("Wants() = %v, want Preview", got)
	}
	size, ok := o.PreviewSize()
	if !ok || size != 128 {
		t.Fatalf("PreviewSize() = %d, %v, want 128, true", size, ok)
	}
}

func TestClockSkewWarningDoesNotInvalidate(t *testing.T) {
	// The local clock is far ahead of the timestamp the options claim,
	// beyond the TTL — this must log a warning, not invalidate the record
	// (the clock-skew policy).
	ts := time.Now().Add(-time.Hour)
	o := options.New(options.Config{
		Valid:     true,
		TTL:       time.Minute,
		Timestamp: ts,
	}, zerolog.Nop(), func() time.Time { return ts.Add(time.Hour) })

	if !o.Valid() {
		t.Fatal("clock skew must not invalidate options")
	}
}
