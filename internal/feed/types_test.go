package feed

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchOutcomeExclusivity(t *testing.T) {
	t.Parallel()

	ok := FetchSucceeded("https://example.com/rss", "")
	require.NoError(t, ok.Validate())
	require.False(t, ok.Failed())
	require.NotNil(t, ok.Body)
	require.Nil(t, ok.Error)

	failed := FetchFailed("https://example.com/rss", "boom")
	require.NoError(t, failed.Validate())
	require.True(t, failed.Failed())
	require.Nil(t, failed.Body)

	body, reason := "x", "y"
	require.Error(t, FetchOutcome{Link: "l", Body: &body, Error: &reason}.Validate())
	require.Error(t, FetchOutcome{Link: "l"}.Validate())
}

func TestPublishRecordExclusivity(t *testing.T) {
	t.Parallel()

	require.NoError(t, ItemsRecord("l", []Item{{}}).Validate())
	require.NoError(t, ErrorRecord("l", "bad feed").Validate())
	require.Error(t, ItemsRecord("l", nil).Validate())

	reason := "bad"
	require.Error(t, PublishRecord{Link: "l", Items: []Item{{}}, Error: &reason}.Validate())
}

func TestPublishRecordJSONShape(t *testing.T) {
	t.Parallel()

	title := "test"
	data, err := EncodeRecord(ItemsRecord("https://example.com/rss", []Item{{Title: &title}}))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"link": "https://example.com/rss",
		"items": [{"title": "test", "description": null, "link": null, "author": null, "guid": null}],
		"error": null
	}`, string(data))

	data, err = EncodeRecord(ErrorRecord("https://example.com/rss", "parse error: not a feed"))
	require.NoError(t, err)
	require.JSONEq(t, `{"link": "https://example.com/rss", "items": null, "error": "parse error: not a feed"}`, string(data))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Contains(t, decoded, "items")
}

func TestEncodeRecordRejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := EncodeRecord(PublishRecord{Link: "l"})
	require.ErrorIs(t, err, errNeitherSet)
}
