package domain

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "PeerSignalError", ErrorKind(fmt.Errorf("apply offer: %w", ErrPeerSignal)))
	assert.Equal(t, "IceFailure", ErrorKind(ErrIceFailure))
	assert.Equal(t, "SignalTimeout", ErrorKind(ErrSignalTimeout))
	assert.Equal(t, "InternalError", ErrorKind(ErrSessionExists))
	assert.Equal(t, "", ErrorKind(nil))
}

func TestSignal_DigestIgnoresWhitespace(t *testing.T) {
	a := Signal(`{"type":"offer","sdp":"v=0"}`)
	b := Signal("{ \"type\": \"offer\",\n \"sdp\": \"v=0\" }")
	c := Signal(`{"type":"answer","sdp":"v=0"}`)

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
	assert.False(t, a.Empty())
	assert.True(t, Signal("null").Empty())
	assert.True(t, Signal(nil).Empty())
}

func TestEnvelope_WireShape(t *testing.T) {
	env, err := NewEnvelope(KindSendingSignal, SendingSignalPayload{
		UserToSignal: "B",
		CallerID:     "A",
		Signal:       Signal(`{"type":"offer"}`),
	})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sending-signal","payload":{"userToSignal":"B","callerID":"A","signal":{"type":"offer"}}}`, string(data))

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	var payload SendingSignalPayload
	require.NoError(t, decoded.Decode(&payload))
	assert.Equal(t, ParticipantID("B"), payload.UserToSignal)
	assert.JSONEq(t, `{"type":"offer"}`, string(payload.Signal))
}

func TestEnvelope_UserLeftBareString(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"user-left","payload":"B"}`), &env))

	var left UserLeftPayload
	require.NoError(t, env.Decode(&left))
	assert.Equal(t, UserLeftPayload("B"), left)
	assert.True(t, InboundKind(env.Kind))
	assert.False(t, InboundKind(KindJoinRoom))
}

func TestEnvelope_DecodeEmptyPayload(t *testing.T) {
	env := Envelope{Kind: KindAllUsers}
	var roster AllUsersPayload
	assert.Error(t, env.Decode(&roster))
}

func TestBitrateBounds_Clamp(t *testing.T) {
	b := DefaultBitrateBounds()
	assert.Equal(t, 100_000, b.Clamp(10))
	assert.Equal(t, 2_000_000, b.Clamp(5_000_000))
	assert.Equal(t, 750_000, b.Clamp(750_000))
}

func TestSignalState_Terminal(t *testing.T) {
	assert.True(t, SignalFailed.Terminal())
	assert.True(t, SignalClosed.Terminal())
	assert.False(t, SignalStable.Terminal())
}
