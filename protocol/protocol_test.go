package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDispatchesOnTag(t *testing.T) {
	line := []byte(`{"tag":2,"time":1700000000,"username":"alice","secret":"hunter22"}`)

	env, raw, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, TagLogin, env.Tag)
	assert.Equal(t, int64(1700000000), env.Time)

	var login Login
	require.NoError(t, json.Unmarshal(raw, &login))
	assert.Equal(t, "alice", login.Username)
	assert.Equal(t, "hunter22", login.Secret)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	for _, line := range []string{
		"not json",
		`{"time":123}`,
		`{"tag":"login"}`,
		`[]`,
	} {
		_, _, err := Decode([]byte(line))
		assert.ErrorIs(t, err, ErrMalformedFrame, "line %q", line)
	}
}

func TestEncodeAppendsNewline(t *testing.T) {
	data, err := Encode(&Alive{Tag: TagAlive, Time: Now()})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	env, _, err := Decode(data[:len(data)-1])
	require.NoError(t, err)
	assert.Equal(t, TagAlive, env.Tag)
}

func TestOptionalFieldsOmitted(t *testing.T) {
	data, err := Encode(&Ack{Tag: TagAck, Time: Now(), Op: "alive"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "message_id")

	data, err = Encode(&Ack{Tag: TagAck, Time: Now(), Op: "message", MessageID: 7})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message_id":7`)
}
