package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, frame string) *ServerEvent {
	t.Helper()
	e, err := ParseServerEvent([]byte(frame))
	require.NoError(t, err)
	return e
}

func TestApplyTranscriptDeltasThenCompletion(t *testing.T) {
	var st SessionState
	var got []notification
	for _, frame := range []string{
		`{"type":"response.audio_transcript.delta","delta":"Hel"}`,
		`{"type":"response.audio_transcript.delta","delta":"lo"}`,
		`{"type":"response.text.done"}`,
	} {
		out := st.apply(mustEvent(t, frame))
		got = append(got, out.notifications...)
	}
	assert.Equal(t, []notification{
		{target: notifyTranscript, text: "Hel"},
		{target: notifyTranscript, text: "lo"},
		{target: notifyTranscript, text: "Hello", final: true},
	}, got)
	assert.Equal(t, "Hello", st.Transcript)
}

func TestApplyTranscriptStartsOverAfterFlush(t *testing.T) {
	var st SessionState
	st.apply(mustEvent(t, `{"type":"response.audio_transcript.delta","delta":"one"}`))
	st.apply(mustEvent(t, `{"type":"response.text.done"}`))
	st.apply(mustEvent(t, `{"type":"response.created"}`))
	assert.Equal(t, "one", st.Transcript, "flushed transcript stays visible until the next delta")

	st.apply(mustEvent(t, `{"type":"response.output_audio_transcript.delta","delta":"two"}`))
	assert.Equal(t, "two", st.Transcript)
}

func TestApplyResponseTurn(t *testing.T) {
	st := SessionState{ResponseText: "stale"}

	out := st.apply(mustEvent(t, `{"type":"response.created"}`))
	assert.Equal(t, []notification{{target: notifyResponse}}, out.notifications)
	assert.True(t, st.Processing)
	assert.Empty(t, st.ResponseText)

	out = st.apply(mustEvent(t, `{"type":"response.text.delta","delta":"Hi "}`))
	assert.Equal(t, []notification{{target: notifyResponse, text: "Hi "}}, out.notifications)

	out = st.apply(mustEvent(t, `{"type":"response.content_part.added","part":{"type":"text","text":"there"}}`))
	assert.Equal(t, []notification{{target: notifyResponse, text: "there"}}, out.notifications)

	out = st.apply(mustEvent(t, `{"type":"response.done"}`))
	assert.Equal(t, []notification{{target: notifyResponse, text: "Hi there", final: true}}, out.notifications)
	assert.False(t, st.Processing)
	assert.Equal(t, "Hi there", st.ResponseText)
}

func TestApplyIgnoresUnknownAndInformational(t *testing.T) {
	before := SessionState{Phase: PhaseActive, Listening: true, Processing: true, Transcript: "t", ResponseText: "r"}
	for _, frame := range []string{
		`{"type":"brand.new.event","delta":"zzz"}`,
		`{"type":"session.created"}`,
		`{"type":"conversation.item.created","item":{"id":"i1"}}`,
		`{"type":"response.content_part.added","part":{"type":"audio"}}`,
	} {
		st := before
		out := st.apply(mustEvent(t, frame))
		assert.Empty(t, out.notifications, frame)
		assert.Nil(t, out.remoteErr, frame)
		assert.Equal(t, before, st, frame)
	}
}

func TestApplyAudioDelta(t *testing.T) {
	var st SessionState
	out := st.apply(mustEvent(t, `{"type":"response.audio.delta","item":{"payload":"AAA="}}`))
	assert.Equal(t, "AAA=", out.audio)
	assert.False(t, out.missingAudio)

	out = st.apply(mustEvent(t, `{"type":"response.audio.delta"}`))
	assert.True(t, out.missingAudio)
	assert.Nil(t, out.remoteErr)
}

func TestApplyErrorEvent(t *testing.T) {
	var st SessionState
	out := st.apply(mustEvent(t, `{"type":"error","error":{"message":"quota exceeded"}}`))
	require.Error(t, out.remoteErr)
	assert.Equal(t, "quota exceeded", out.remoteErr.Error())
	assert.Equal(t, EventKindError, out.kind)
}
