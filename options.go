package cellulite

type options struct {
	threshold uint64
	logger    *Logger
	codec     Codec
}

// Option configures CreateFromEnv behavior.
type Option func(*options)

// WithThreshold sets the posting size above which a cell is split into its
// children during build. The threshold applies to the next builds only:
// postings already larger than a lowered threshold are not retroactively
// split until an upsert lands in their cell again.
func WithThreshold(threshold uint64) Option {
	return func(o *options) {
		if threshold == 0 {
			threshold = DefaultThreshold
		}
		o.threshold = threshold
	}
}

// WithLogger configures the logger used by build. If nil is passed, logging
// is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithCodec configures the codec used to decode the raw GeoJSON envelope.
//
// If nil is passed, DefaultCodec is used.
func WithCodec(c Codec) Option {
	return func(o *options) {
		if c == nil {
			c = DefaultCodec
		}
		o.codec = c
	}
}

func defaultOptions() options {
	return options{
		threshold: DefaultThreshold,
		logger:    NoopLogger(),
		codec:     DefaultCodec,
	}
}
