package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeJob parses a broker message body. The body must be a JSON object with
// a non-empty string "link"; other fields are ignored.
func DecodeJob(body []byte) (Job, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	field, ok := raw["link"]
	if !ok || bytes.Equal(field, []byte("null")) {
		return Job{}, fmt.Errorf("%w: missing link", ErrMalformedPayload)
	}
	var link string
	if err := json.Unmarshal(field, &link); err != nil {
		return Job{}, fmt.Errorf("%w: link is not a string", ErrMalformedPayload)
	}
	if link == "" {
		return Job{}, fmt.Errorf("%w: empty link", ErrMalformedPayload)
	}
	return Job{Link: link}, nil
}

// EncodeJob serializes a job the way producers are expected to send it.
func EncodeJob(job Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return data, nil
}

// EncodeRecord validates and serializes a publish record.
func EncodeRecord(record PublishRecord) ([]byte, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal publish record: %w", err)
	}
	return data, nil
}
