package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"licensing-controlplane/pkg/errutil"
)

const (
	SignatureHeader  = "Stripe-Signature"
	DefaultTolerance = 5 * time.Minute

	signatureScheme = "v1"
)

var ErrSignature = errutil.BaseError{Code: errutil.StatusBadRequest, Message: "invalid webhook signature"}

func signatureError(reason string) error {
	return errutil.BaseError{
		Code:    ErrSignature.Code,
		Message: ErrSignature.Message,
		Details: []errutil.Detail{{Field: "signature", Message: reason}},
	}
}

// VerifySignature checks a header of the form t=<unix>,v1=<hex>[,v1=<hex>]
// where each v1 is hex(hmac_sha256(secret, "<t>.<payload>")).
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return signatureError("webhook secret is not configured")
	}

	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return signatureError(err.Error())
	}

	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if age := now.Sub(time.Unix(ts, 0)); age > tolerance || age < -tolerance {
		return signatureError("timestamp outside tolerance")
	}

	expected := computeSignature(ts, payload, secret)
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return signatureError("no matching signature")
}

// SignHeader builds a header value for payload at ts.
func SignHeader(payload []byte, secret string, ts time.Time) string {
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,%s=%s", unix, signatureScheme, hex.EncodeToString(computeSignature(unix, payload, secret)))
}

func computeSignature(ts int64, payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("missing signature header")
	}

	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, fmt.Errorf("malformed signature header")
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("malformed timestamp")
			}
			ts, hasTS = n, true
		case signatureScheme:
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}

	if !hasTS {
		return 0, nil, fmt.Errorf("missing timestamp")
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("missing %s signature", signatureScheme)
	}
	return ts, sigs, nil
}
