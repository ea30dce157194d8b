// Package signing implements PageKite's shared-secret signing scheme used
// during the tunnel handshake and for DDNS updates.
//
// Grounded on github.com/reverseproxy's internal/relay/auth.go (the
// sign-then-compare token pattern) generalized from HMAC-SHA256 to the
// SHA1 salt+truncate construction upagekite/proto.py's sign() uses, since
// the wire protocol fixes the exact bytes a relay will recompute.
package signing

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/rand"
)

// TokenLength is proto.py's TOKEN_LENGTH: the total length of a client
// token / default signature, salt included.
const TokenLength = 36

const saltChars = "0123456789abcdef"

// randomSalt returns an 8-character hex salt, mirroring proto.py's
// sign() drawing its default salt from make_random_secret().
func randomSalt() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = saltChars[rand.Intn(len(saltChars))]
	}
	return string(b)
}

// Sign computes salt[:8] + sha1hex(secret+payload+salt[:8])[:length-8].
// An empty salt draws a fresh random one. When ts is non-zero the salt's
// first byte is replaced with 't' and payload gets the 600-second epoch
// bucket appended in hex, matching proto.py's timestamped variant used
// for tokens meant to resist naive replay across relay reconnects.
func Sign(secret, payload, salt string, length int, ts int64) string {
	if salt == "" {
		salt = randomSalt()
	}
	if len(salt) > 8 {
		salt = salt[:8]
	}
	if ts != 0 {
		salt = "t" + salt[1:]
		payload += fmt.Sprintf("%x", ts/600)
	}

	sum := sha1.Sum([]byte(secret + payload + salt))
	digest := hex.EncodeToString(sum[:])

	want := length - len(salt)
	if want < 0 {
		want = 0
	}
	if want > len(digest) {
		want = len(digest)
	}
	return salt + digest[:want]
}

// Verify recomputes Sign using the salt embedded in candidate's first 8
// characters and reports whether it matches, for checking a signature a
// peer sent back.
func Verify(secret, payload, candidate string) bool {
	if len(candidate) < 9 {
		return false
	}
	salt := candidate[:8]
	got := Sign(secret, payload, salt, len(candidate), 0)
	return subtle.ConstantTimeCompare([]byte(got), []byte(candidate)) == 1
}

// ClientToken computes the per-relay client identification token
// proto.py's x_pagekite embeds ahead of the kite's own signature:
// sha1hex(globalSecret + "/" + relayAddr + "/" + kiteSecret)[:TokenLength].
func ClientToken(globalSecret, relayAddr, kiteSecret string) string {
	sum := sha1.Sum([]byte(globalSecret + "/" + relayAddr + "/" + kiteSecret))
	return hex.EncodeToString(sum[:])[:TokenLength]
}

// XPageKiteLine builds one "X-PageKite: proto:name:clientToken:serverToken:sig\r\n"
// header line for a single kite, per proto.py's x_pagekite().
func XPageKiteLine(proto, name, clientToken, serverToken, kiteSecret string) string {
	data := fmt.Sprintf("%s:%s:%s:%s", proto, name, clientToken, serverToken)
	sig := Sign(kiteSecret, data, "", TokenLength, 0)
	return fmt.Sprintf("X-PageKite: %s:%s\r\n", data, sig)
}

// DDNSSignature signs a dynamic DNS update query:
// sign(kiteSecret, "<name>:<ip>", length=100).
func DDNSSignature(kiteSecret, name, ip string) string {
	return Sign(kiteSecret, name+":"+ip, "", 100, 0)
}
