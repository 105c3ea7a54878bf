package payment

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	now := time.Unix(1_700_000_000, 0)
	header := SignHeader(payload, "whsec", now)

	require.NoError(t, VerifySignature(payload, header, "whsec", DefaultTolerance, now))
	require.NoError(t, VerifySignature(payload, header, "whsec", DefaultTolerance, now.Add(4*time.Minute)))

	cases := []struct {
		name   string
		header string
		secret string
		at     time.Time
		body   []byte
	}{
		{name: "missing header", header: "", secret: "whsec", at: now, body: payload},
		{name: "wrong secret", header: header, secret: "other", at: now, body: payload},
		{name: "tampered body", header: header, secret: "whsec", at: now, body: []byte(`{"id":"evt_2"}`)},
		{name: "too old", header: header, secret: "whsec", at: now.Add(6 * time.Minute), body: payload},
		{name: "from the future", header: header, secret: "whsec", at: now.Add(-6 * time.Minute), body: payload},
		{name: "no timestamp", header: "v1=abcd", secret: "whsec", at: now, body: payload},
		{name: "bad timestamp", header: "t=abc,v1=abcd", secret: "whsec", at: now, body: payload},
		{name: "no v1", header: fmt.Sprintf("t=%d,v0=abcd", now.Unix()), secret: "whsec", at: now, body: payload},
		{name: "malformed", header: "garbage", secret: "whsec", at: now, body: payload},
		{name: "no secret", header: header, secret: "", at: now, body: payload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifySignature(tc.body, tc.header, tc.secret, DefaultTolerance, tc.at)
			require.ErrorIs(t, err, ErrSignature)
		})
	}
}

func TestVerifySignatureAcceptsAnyMatchingV1(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Unix(1_700_000_000, 0)
	good := SignHeader(payload, "whsec", now)

	header := fmt.Sprintf("t=%d,v1=%s,%s", now.Unix(), "00ff", good[len(fmt.Sprintf("t=%d,", now.Unix())):])
	require.NoError(t, VerifySignature(payload, header, "whsec", time.Minute, now))
}
