package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	r, err := ParseResponse(`{"state":"chatting","port":5000,"user":{"name":"bob"}}`)
	require.NoError(t, err)
	assert.Equal(t, "chatting", r.State())
	assert.NoError(t, r.Err())

	port, ok := r.Int("port")
	assert.True(t, ok)
	assert.Equal(t, int64(5000), port)

	var user struct {
		Name string `json:"name"`
	}
	require.NoError(t, r.Decode("user", &user))
	assert.Equal(t, "bob", user.Name)
	assert.ErrorIs(t, r.Decode("missing", &user), ErrMalformedResponse)

	for _, bad := range []string{"{", "null", "[1,2]", `"text"`} {
		_, err := ParseResponse(bad)
		assert.ErrorIs(t, err, ErrMalformedResponse, bad)
	}
}

func TestResponseErr(t *testing.T) {
	r, err := ParseResponse(`{"state":"waiting_login","error":"LOGIN_FAILED_USER_NAME_TAKEN","message":"taken"}`)
	require.NoError(t, err)

	rerr := r.Err()
	require.Error(t, rerr)
	assert.Equal(t, ErrKeyLoginFailedUserNameTaken, ErrorKey(rerr))
	assert.Equal(t, "LOGIN_FAILED_USER_NAME_TAKEN: taken", rerr.Error())
	assert.Equal(t, "", ErrorKey(nil))
}
