// Package auth implements the HMAC-SHA256 signatures the protocol uses for
// channel subscriptions, user sign-in, and HTTP API requests.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Sign returns the hex HMAC-SHA256 of data under secret.
func Sign(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares an expected signature in constant time.
func Verify(secret, data, signature string) bool {
	expected := Sign(secret, data)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ChannelAuthString builds the signed string for a subscription token.
func ChannelAuthString(socketID, channel, channelData string) string {
	if channelData != "" {
		return fmt.Sprintf("%s:%s:%s", socketID, channel, channelData)
	}
	return fmt.Sprintf("%s:%s", socketID, channel)
}

// VerifyChannelAuth checks a "key:signature" token against the app secret.
func VerifyChannelAuth(key, secret, token, socketID, channel, channelData string) bool {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 || parts[0] != key {
		return false
	}
	return Verify(secret, ChannelAuthString(socketID, channel, channelData), parts[1])
}

// SigninAuthString builds the signed string for a pusher:signin token.
func SigninAuthString(socketID, userData string) string {
	return fmt.Sprintf("%s::user::%s", socketID, userData)
}

// VerifySignin checks a sign-in token.
func VerifySignin(key, secret, token, socketID, userData string) bool {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 || parts[0] != key {
		return false
	}
	return Verify(secret, SigninAuthString(socketID, userData), parts[1])
}

// BodyMD5 returns the hex MD5 of an HTTP request body, as the API signature
// scheme requires for non-empty bodies.
func BodyMD5(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalQuery sorts and joins query parameters, excluding auth_signature.
// Keys are lowercased; any ordering the client used signs identically.
func CanonicalQuery(query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		if strings.EqualFold(k, "auth_signature") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, strings.ToLower(k)+"="+query.Get(k))
	}
	return strings.Join(pairs, "&")
}

// APIAuthString builds the signed string for an HTTP API request.
func APIAuthString(method, path string, query url.Values) string {
	return strings.ToUpper(method) + "\n" + path + "\n" + CanonicalQuery(query)
}

// SignAPIRequest computes the auth_signature for a request, for clients and
// tests.
func SignAPIRequest(secret, method, path string, query url.Values) string {
	return Sign(secret, APIAuthString(method, path, query))
}

// VerifyAPIRequest validates a Pusher-signed HTTP request. The timestamp must
// be within the grace window, the key must match, a non-empty body must carry
// a matching body_md5, and the signature must verify.
func VerifyAPIRequest(key, secret, method, path string, query url.Values, body []byte, grace time.Duration) error {
	if query.Get("auth_key") != key {
		return fmt.Errorf("unknown auth_key")
	}
	if query.Get("auth_version") != "1.0" {
		return fmt.Errorf("unsupported auth_version")
	}
	ts, err := strconv.ParseInt(query.Get("auth_timestamp"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid auth_timestamp")
	}
	if d := time.Since(time.Unix(ts, 0)); d > grace || d < -grace {
		return fmt.Errorf("auth_timestamp expired")
	}
	if len(body) > 0 {
		if !hmac.Equal([]byte(query.Get("body_md5")), []byte(BodyMD5(body))) {
			return fmt.Errorf("body_md5 mismatch")
		}
	}
	if !Verify(secret, APIAuthString(method, path, query), query.Get("auth_signature")) {
		return fmt.Errorf("invalid auth_signature")
	}
	return nil
}
