package queue

// SubmitOptions holds the settings applied by SubmitOption values.
type SubmitOptions struct {
	// Identifier overrides the generated message identifier.
	Identifier string
}

// SubmitOption configures a Submit call.
type SubmitOption func(*SubmitOptions)

// WithIdentifier submits the message under a caller chosen identifier
// instead of a generated one. Submitting the same identifier twice
// fails with ErrDuplicateIdentifier while the first message is still known.
func WithIdentifier(id string) SubmitOption {
	return func(o *SubmitOptions) {
		o.Identifier = id
	}
}

// ApplySubmitOptions folds opts into a SubmitOptions value.
func ApplySubmitOptions(opts ...SubmitOption) SubmitOptions {
	var o SubmitOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ReleaseOptions holds the settings applied by ReleaseOption values.
type ReleaseOptions struct {
	// ToBack requeues the message behind all pending work instead of
	// making it the next message to be taken.
	ToBack bool
}

// ReleaseOption configures a Release call.
type ReleaseOption func(*ReleaseOptions)

// ReleaseToBack requeues a released message at the far end of the ready
// list, so it is retried only after everything already waiting.
func ReleaseToBack() ReleaseOption {
	return func(o *ReleaseOptions) {
		o.ToBack = true
	}
}

// ApplyReleaseOptions folds opts into a ReleaseOptions value.
func ApplyReleaseOptions(opts ...ReleaseOption) ReleaseOptions {
	var o ReleaseOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
