package schema

import (
	"fmt"

	"lwf/codec"
)

// FormatVersion is the first byte of every schema-encoded buffer unless
// WithoutHeader is given.
const FormatVersion byte = 0x01

// TrailingPolicy decides what Decode does with bytes left after the last
// field.
type TrailingPolicy uint8

const (
	// TrailingReport returns the decoded record together with a
	// *TrailingBytesError. This is the default.
	TrailingReport TrailingPolicy = iota
	// TrailingIgnore returns the record and no error.
	TrailingIgnore
	// TrailingReject returns a nil record and the error.
	TrailingReject
)

func (p TrailingPolicy) String() string {
	switch p {
	case TrailingReport:
		return "report"
	case TrailingIgnore:
		return "ignore"
	case TrailingReject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParseTrailingPolicy parses "report", "ignore" or "reject". The empty
// string is TrailingReport.
func ParseTrailingPolicy(name string) (TrailingPolicy, error) {
	switch name {
	case "", "report":
		return TrailingReport, nil
	case "ignore":
		return TrailingIgnore, nil
	case "reject":
		return TrailingReject, nil
	default:
		return 0, fmt.Errorf("unknown trailing bytes policy: %q", name)
	}
}

// Option adjusts a single Encode or Decode call.
type Option func(*options)

type options struct {
	limits   codec.Limits
	trailing TrailingPolicy
	noHeader bool
}

func collect(opts []Option) options {
	o := options{limits: codec.DefaultLimits}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxDepth bounds array nesting inside fields.
func WithMaxDepth(depth int) Option {
	return func(o *options) { o.limits.MaxDepth = depth }
}

// WithTrailing selects the trailing bytes policy for Decode.
func WithTrailing(p TrailingPolicy) Option {
	return func(o *options) { o.trailing = p }
}

// WithoutHeader drops the format version byte. Both sides of a
// connection must agree on it.
func WithoutHeader() Option {
	return func(o *options) { o.noHeader = true }
}
