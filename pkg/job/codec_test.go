package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	type payload struct {
		To      string `msgpack:"to"`
		Retries int    `msgpack:"retries"`
	}
	in := payload{To: "ops@example.com", Retries: 2}
	buf, err := EncodePayload(in)
	require.NoError(t, err)
	var out payload
	require.NoError(t, DecodePayload(buf, &out))
	assert.Equal(t, in, out)
}

func TestDecodePayloadCorrupt(t *testing.T) {
	var out map[string]interface{}
	err := DecodePayload([]byte{0xc1}, &out)
	require.Error(t, err)
	var jerr *Error
	require.True(t, errors.As(err, &jerr))
	assert.Equal(t, CodeInvalidPayload, jerr.Code)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("send-email", []byte("hello"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint("send-email", []byte("hello")))
	assert.NotEqual(t, a, Fingerprint("send-email", []byte("world")))
	// Type participates in the hash.
	assert.NotEqual(t, a, Fingerprint("send-sms", []byte("hello")))
	// The separator prevents boundary collisions.
	assert.NotEqual(t, Fingerprint("ab", []byte("c")), Fingerprint("a", []byte("bc")))
}
