package auth

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	sig := Sign("secret", "1234.5678:private-room")
	assert.True(t, Verify("secret", "1234.5678:private-room", sig))
	assert.False(t, Verify("other", "1234.5678:private-room", sig))
	assert.False(t, Verify("secret", "1234.5678:private-other", sig))
}

func TestChannelAuthString(t *testing.T) {
	assert.Equal(t, "1.2:private-x", ChannelAuthString("1.2", "private-x", ""))
	assert.Equal(t, "1.2:presence-x:{\"user_id\":\"u\"}",
		ChannelAuthString("1.2", "presence-x", "{\"user_id\":\"u\"}"))
}

func TestVerifyChannelAuth(t *testing.T) {
	token := "key:" + Sign("secret", "1.2:private-x")
	assert.True(t, VerifyChannelAuth("key", "secret", token, "1.2", "private-x", ""))

	// Wrong key prefix fails even with a valid signature.
	assert.False(t, VerifyChannelAuth("other", "secret", token, "1.2", "private-x", ""))
	// Missing separator fails.
	assert.False(t, VerifyChannelAuth("key", "secret", "nosig", "1.2", "private-x", ""))
}

func TestVerifySignin(t *testing.T) {
	userData := `{"id":"u1"}`
	token := "key:" + Sign("secret", "9.9::user::"+userData)
	assert.True(t, VerifySignin("key", "secret", token, "9.9", userData))
	assert.False(t, VerifySignin("key", "secret", token, "9.9", `{"id":"u2"}`))
}

func TestCanonicalQueryOrderingAndExclusion(t *testing.T) {
	q := url.Values{}
	q.Set("auth_signature", "should-not-appear")
	q.Set("B", "2")
	q.Set("a", "1")

	canon := CanonicalQuery(q)
	assert.Equal(t, "a=1&b=2", canon)
}

func TestVerifyAPIRequest(t *testing.T) {
	body := []byte(`{"name":"ev","data":"{}","channel":"room"}`)
	q := url.Values{}
	q.Set("auth_key", "key")
	q.Set("auth_version", "1.0")
	q.Set("auth_timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	q.Set("body_md5", BodyMD5(body))
	q.Set("auth_signature", SignAPIRequest("secret", "POST", "/apps/app1/events", q))

	err := VerifyAPIRequest("key", "secret", "POST", "/apps/app1/events", q, body, 10*time.Minute)
	require.NoError(t, err)

	// Tampered body invalidates body_md5.
	err = VerifyAPIRequest("key", "secret", "POST", "/apps/app1/events", q, append(body, 'x'), 10*time.Minute)
	assert.Error(t, err)
}

func TestVerifyAPIRequestExpiredTimestamp(t *testing.T) {
	q := url.Values{}
	q.Set("auth_key", "key")
	q.Set("auth_version", "1.0")
	q.Set("auth_timestamp", fmt.Sprintf("%d", time.Now().Add(-time.Hour).Unix()))
	q.Set("auth_signature", SignAPIRequest("secret", "GET", "/apps/app1/channels", q))

	err := VerifyAPIRequest("key", "secret", "GET", "/apps/app1/channels", q, nil, 10*time.Minute)
	assert.Error(t, err)
}

func TestVerifyAPIRequestSignatureCoversQueryOrder(t *testing.T) {
	q := url.Values{}
	q.Set("auth_key", "key")
	q.Set("auth_version", "1.0")
	q.Set("auth_timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	q.Set("filter_by_prefix", "presence-")
	sig := SignAPIRequest("secret", "GET", "/apps/app1/channels", q)
	q.Set("auth_signature", sig)

	require.NoError(t,
		VerifyAPIRequest("key", "secret", "GET", "/apps/app1/channels", q, nil, 10*time.Minute))

	q.Set("filter_by_prefix", "private-")
	assert.Error(t,
		VerifyAPIRequest("key", "secret", "GET", "/apps/app1/channels", q, nil, 10*time.Minute))
}
