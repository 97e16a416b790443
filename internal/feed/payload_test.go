package feed

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeJob(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"link only", `{"link": "https://example.com/rss"}`, "https://example.com/rss", false},
		{"extra fields", `{"link": "test", "priority": 3}`, "test", false},
		{"not json", `blah blah`, "", true},
		{"array", `["https://example.com"]`, "", true},
		{"missing link", `{"url": "https://example.com"}`, "", true},
		{"null link", `{"link": null}`, "", true},
		{"numeric link", `{"link": 42}`, "", true},
		{"empty link", `{"link": ""}`, "", true},
		{"null body", `null`, "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			job, err := DecodeJob([]byte(tc.body))
			if tc.wantErr {
				require.ErrorIs(t, err, ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, job.Link)
		})
	}
}

func TestEncodeJobRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := EncodeJob(Job{Link: "https://example.com/atom"})
	require.NoError(t, err)
	job, err := DecodeJob(data)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/atom", job.Link)
}
