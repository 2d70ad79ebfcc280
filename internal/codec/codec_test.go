package codec

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey = "0123456789abcdef0123456789abcdef"
	testIV  = "abcdef9876543210"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(testKey, testIV)
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadKeyAndIV(t *testing.T) {
	_, err := New("short", testIV)
	assert.Error(t, err)

	_, err = New(testKey, "short-iv")
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	inputs := []string{
		"a",
		"hello world",
		`{"orderId":"ORDER-1","totalPrice":99.99}`,
		"exactly sixteen!",
		"unicode: żółć € 日本語",
	}

	for _, in := range inputs {
		ct := c.Encrypt(in)
		assert.NotEqual(t, in, ct)

		out, err := c.Decrypt(ct)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, in, out)
	}
}

func TestEmptyInputPassesThrough(t *testing.T) {
	c := newTestCodec(t)

	assert.Equal(t, "", c.Encrypt(""))

	out, err := c.Decrypt("")
	assert.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestDecryptGarbageIsNotDecryptable(t *testing.T) {
	c := newTestCodec(t)

	cases := []string{
		"not base64 !!!",
		base64.StdEncoding.EncodeToString([]byte("short")),
	}

	for _, in := range cases {
		_, err := c.Decrypt(in)
		require.Error(t, err, "input %q", in)
		assert.ErrorIs(t, err, ErrNotDecryptable)
	}
}

func TestDecryptWithWrongKeyIsNotDecryptable(t *testing.T) {
	c := newTestCodec(t)
	ct := c.Encrypt(`{"orderId":"ORDER-1"}`)

	other, err := New("ffffffffffffffffffffffffffffffff", testIV)
	require.NoError(t, err)

	out, err := other.Decrypt(ct)
	if err == nil {
		// Padding can survive by chance; the plaintext must still differ.
		assert.NotEqual(t, `{"orderId":"ORDER-1"}`, out)
	} else {
		assert.ErrorIs(t, err, ErrNotDecryptable)
	}
}
