package protocol

import (
	"encoding/json"
	"testing"

	"github.com/InterwebAlchemy/collabodoro/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    MessageType
		wantErr string
	}{
		{name: "start", data: `{"type":"START","payload":{"isRunning":true,"progress":0}}`, want: MessageStart},
		{name: "empty sync", data: `{"type":"SYNC","payload":{}}`, want: MessageSync},
		{name: "complete", data: `{"type":"COMPLETE","payload":{"isWorking":false}}`, want: MessageComplete},
		{name: "not json", data: `not json`, wantErr: "malformed message"},
		{name: "array", data: `[1,2,3]`, wantErr: "malformed message"},
		{name: "missing type", data: `{"payload":{}}`, wantErr: "missing type"},
		{name: "numeric type", data: `{"type":5,"payload":{}}`, wantErr: "type is not a string"},
		{name: "unknown type", data: `{"type":"EXPLODE","payload":{}}`, wantErr: "unknown type"},
		{name: "lowercase type", data: `{"type":"start","payload":{}}`, wantErr: "unknown type"},
		{name: "missing payload", data: `{"type":"SYNC"}`, wantErr: "missing payload"},
		{name: "null payload", data: `{"type":"SYNC","payload":null}`, wantErr: "payload is not an object"},
		{name: "string payload", data: `{"type":"SYNC","payload":"x"}`, wantErr: "payload is not an object"},
		{name: "wrong field type", data: `{"type":"SYNC","payload":{"progress":"ten"}}`, wantErr: "malformed message"},
		{name: "negative progress", data: `{"type":"SYNC","payload":{"progress":-1}}`, wantErr: "negative progress"},
		{name: "zero work time", data: `{"type":"SYNC","payload":{"workTime":0}}`, wantErr: "non-positive work time"},
		{name: "zero rest time", data: `{"type":"SYNC","payload":{"restTime":0}}`, wantErr: "non-positive rest time"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.data))
			if tc.wantErr != "" {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, msg.Type)
		})
	}
}

func TestEncode_WireShape(t *testing.T) {
	state := models.NewSessionState(1500, 300)
	state.IsRunning = true
	state.Progress = 42
	state.Timestamp = 1700000000000

	data, err := Encode(FromState(MessageSync, state).WithSeq(7))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "SYNC",
		"payload": {
			"isRunning": true,
			"isPaused": false,
			"progress": 42,
			"isWorking": true,
			"isResting": false,
			"workTime": 1500,
			"restTime": 300,
			"timestamp": 1700000000000,
			"seq": 7
		}
	}`, string(data))
}

func TestStateRequest(t *testing.T) {
	assert.True(t, NewStateRequest().IsStateRequest())

	data, err := Encode(NewStateRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SYNC","payload":{}}`, string(data))

	legacy, err := Decode([]byte(`{"type":"SYNC","payload":{"timestamp":0}}`))
	require.NoError(t, err)
	assert.True(t, legacy.IsStateRequest(), "zero timestamp counts as a request")

	full := FromState(MessageSync, models.NewSessionState(10, 5))
	assert.False(t, full.IsStateRequest())

	start := Message{Type: MessageStart}
	assert.False(t, start.IsStateRequest())
}

func TestMerge_PartialPayload(t *testing.T) {
	prior := models.NewSessionState(1500, 300)
	prior.IsRunning = true
	prior.Progress = 100

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"PAUSE","payload":{"isPaused":true}}`), &msg))

	got := msg.Payload.Merge(prior)
	assert.True(t, got.IsPaused)
	assert.True(t, got.IsRunning, "absent fields are retained")
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, models.PhaseWorking, got.Phase)
}

func TestMerge_FullSnapshotRoundTrip(t *testing.T) {
	src := models.NewSessionState(60, 30)
	src.IsRunning = true
	src.IsPaused = true
	src.Progress = 12
	src.Phase = models.PhaseResting
	src.Timestamp = 123

	got := FromState(MessageSync, src).Payload.Merge(models.NewSessionState(1500, 300))
	assert.Equal(t, src, got)
}

func TestMerge_RestingFlagOnly(t *testing.T) {
	resting := true
	got := Payload{IsResting: &resting}.Merge(models.NewSessionState(10, 5))
	assert.Equal(t, models.PhaseResting, got.Phase)
}

func TestMerge_Idempotent(t *testing.T) {
	prior := models.NewSessionState(1500, 300)
	msg := FromState(MessageSync, models.SessionState{
		IsRunning:    true,
		Progress:     9,
		Phase:        models.PhaseWorking,
		WorkDuration: 20,
		RestDuration: 10,
		Timestamp:    55,
	}).WithSeq(3)

	once := msg.Payload.Merge(prior)
	twice := msg.Payload.Merge(once)
	assert.Equal(t, once, twice)
	assert.Equal(t, uint64(3), once.Seq)
}
