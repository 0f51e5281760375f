package submevent_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/programme-lv/submfeed/submevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{"", "null", "42", `"str"`, "[1,2]", "{not json"} {
		_, ok := submevent.Decode([]byte(raw))
		assert.False(t, ok, "input %q", raw)
	}

	ev, ok := submevent.Decode([]byte(` {"subjectId":"s1","status":"queued","score":0}`))
	require.True(t, ok)
	assert.Equal(t, "s1", ev.SubjectID)
	require.NotNil(t, ev.Status)
	assert.Equal(t, "queued", *ev.Status)
	require.NotNil(t, ev.Score)
	assert.Equal(t, 0.0, *ev.Score)
	assert.Nil(t, ev.Verdict)
}

func TestDecodeDropsOnlyMistypedFields(t *testing.T) {
	ev, ok := submevent.Decode([]byte(`{
		"subjectId": 42,
		"emittedAt": "yesterday",
		"score": "100",
		"runtimeMs": 1.5,
		"userId": 7,
		"status": "accepted",
		"verdict": null,
		"createdAt": "2024-05-01T10:00:00Z",
		"extra": {"nested": true}
	}`))
	require.True(t, ok)
	assert.Equal(t, "42", ev.SubjectID)
	assert.True(t, ev.EmittedAt.IsZero())
	assert.Nil(t, ev.Score)
	assert.Nil(t, ev.RuntimeMs)
	assert.Nil(t, ev.Verdict)
	require.NotNil(t, ev.UserID)
	assert.Equal(t, "7", *ev.UserID)
	require.NotNil(t, ev.Status)
	assert.Equal(t, "accepted", *ev.Status)
	require.NotNil(t, ev.CreatedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ev.CreatedAt.UTC())
}

func TestAbsentFieldsAreOmitted(t *testing.T) {
	ev := submevent.Event{
		EventID:   "e1",
		SubjectID: "s1",
		EmittedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    submevent.Ptr("running"),
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "running", m["status"])
	assert.NotContains(t, m, "verdict")
	assert.NotContains(t, m, "score")
	assert.Equal(t, "2024-01-01T00:00:00Z", m["emittedAt"])
}

func TestDedupKey(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 5_000_000, time.UTC)

	withID := submevent.Event{EventID: "abc", SubjectID: "s1", EmittedAt: at}
	assert.Equal(t, "abc", withID.DedupKey())

	synth := submevent.Event{SubjectID: "s1", EmittedAt: at}
	assert.Equal(t, "s1:2024-01-01T00:00:00.005Z", synth.DedupKey())

	other := submevent.Event{SubjectID: "s1", EmittedAt: at}
	assert.Equal(t, synth.DedupKey(), other.DedupKey())

	assert.Empty(t, submevent.Event{}.DedupKey())
}

func TestIDGenDistinctWithinSameMillisecond(t *testing.T) {
	var gen submevent.IDGen
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := gen.Next("sub-id", at)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIsFinal(t *testing.T) {
	assert.False(t, submevent.IsFinal(submevent.StatusQueued))
	assert.False(t, submevent.IsFinal(submevent.StatusRunning))
	assert.True(t, submevent.IsFinal(submevent.StatusAccepted))
	assert.True(t, submevent.IsFinal(submevent.StatusCE))
	assert.Equal(t, "Time Limit", submevent.StatusLabel(submevent.StatusTLE))
}
