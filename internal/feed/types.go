package feed

import (
	"errors"
	"fmt"
)

// Job is a unit of fetch work identified by the feed URL.
type Job struct {
	Link string `json:"link"`
}

// DeliveryToken is the broker-assigned handle for a fetched job. It is used
// exactly once, to acknowledge or to reject the job.
type DeliveryToken uint64

// Delivery pairs a job with the token that settles it.
type Delivery struct {
	Job   Job
	Token DeliveryToken
}

// FetchRequest is placed on the worker pool input queue.
type FetchRequest struct {
	Link string
}

// FetchOutcome is the result of one fetch attempt. Exactly one of Body and
// Error is set.
type FetchOutcome struct {
	Link  string
	Body  *string
	Error *string
}

// FetchSucceeded builds an outcome carrying the response body.
func FetchSucceeded(link, body string) FetchOutcome {
	return FetchOutcome{Link: link, Body: &body}
}

// FetchFailed builds an outcome carrying an error description.
func FetchFailed(link, reason string) FetchOutcome {
	return FetchOutcome{Link: link, Error: &reason}
}

// Failed reports whether the outcome carries an error.
func (o FetchOutcome) Failed() bool {
	return o.Error != nil
}

// Validate enforces the body/error exclusivity.
func (o FetchOutcome) Validate() error {
	return exclusive("fetch outcome", o.Link, o.Body != nil, o.Error != nil)
}

// Item is one structured entry parsed out of a feed. Every field is optional;
// absent fields serialize as null.
type Item struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Link        *string `json:"link" validate:"omitempty,uri"`
	Author      *string `json:"author"`
	GUID        *string `json:"guid"`
}

// PublishRecord is the payload sent to the result exchange. Exactly one of
// Items (non-empty) and Error is set.
type PublishRecord struct {
	Link  string  `json:"link"`
	Items []Item  `json:"items"`
	Error *string `json:"error"`
}

// ItemsRecord builds a successful publish record.
func ItemsRecord(link string, items []Item) PublishRecord {
	return PublishRecord{Link: link, Items: items}
}

// ErrorRecord builds a failed publish record.
func ErrorRecord(link, reason string) PublishRecord {
	return PublishRecord{Link: link, Error: &reason}
}

// Validate enforces the items/error exclusivity.
func (r PublishRecord) Validate() error {
	return exclusive("publish record", r.Link, len(r.Items) > 0, r.Error != nil)
}

func exclusive(kind, link string, hasPayload, hasError bool) error {
	switch {
	case hasPayload && hasError:
		return fmt.Errorf("%s for %q: payload and error are both set", kind, link)
	case !hasPayload && !hasError:
		return fmt.Errorf("%s for %q: %w", kind, link, errNeitherSet)
	default:
		return nil
	}
}

var errNeitherSet = errors.New("neither payload nor error is set")
