package feed

import "context"

// TaskBroker hands out jobs from a durable queue and settles them.
type TaskBroker interface {
	// NextJob blocks up to the broker's read timeout. It returns ok=false with
	// a nil error when no job arrived in time. Connection loss is handled
	// internally; an error wrapping ErrConnectionFailed means the retry budget
	// is exhausted.
	NextJob(ctx context.Context) (delivery Delivery, ok bool, err error)
	// Acknowledge marks the job as done. Callers settle each token once.
	Acknowledge(ctx context.Context, token DeliveryToken) error
	// Reject returns the job to the queue for redelivery.
	Reject(ctx context.Context, token DeliveryToken) error
	// Close releases the connection. Errors are informational only.
	Close() error
}

// ResultPublisher sends serialized publish records downstream.
type ResultPublisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// ContentParser turns raw feed text into a non-empty list of items.
type ContentParser interface {
	Parse(raw string) ([]Item, error)
}

// HTTPResponse is the subset of an HTTP response the workers look at.
type HTTPResponse struct {
	StatusCode int
	Body       string
}

// HTTPClient performs GET requests for the fetch workers.
type HTTPClient interface {
	Get(ctx context.Context, url string) (HTTPResponse, error)
}
