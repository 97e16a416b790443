package feed

import "errors"

var (
	// ErrConnectionFailed means the broker or publisher exhausted its
	// reconnect attempts. It is fatal: the process has no job source or sink.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrMalformedPayload marks a job message that does not decode into a Job.
	// Brokers acknowledge and drop such messages.
	ErrMalformedPayload = errors.New("malformed job payload")

	// ErrParse is returned by content parsers for unparseable or empty feeds.
	ErrParse = errors.New("parse error")
)
