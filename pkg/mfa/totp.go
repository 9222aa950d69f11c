// Package mfa implements the TOTP second factor: secret lifecycle, code
// verification, backup codes and the step-up login challenge.
package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"

	"github.com/skip2/go-qrcode"
)

// TOTP parameters per RFC 6238.
const (
	totpDigits = 6
	totpPeriod = 30 * time.Second

	// totpSkew is the tolerated clock drift in time steps on either side
	// of now (2 steps = 60 seconds).
	totpSkew = 2

	// secretBytes gives 128 bits of seed entropy.
	secretBytes = 16
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret returns a fresh random base32 TOTP seed.
func GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return b32.EncodeToString(raw), nil
}

// VerifyTOTP checks a 6-digit code against the secret at the current time.
func VerifyTOTP(secret, code string) bool {
	return VerifyTOTPAt(secret, code, time.Now())
}

// VerifyTOTPAt checks a 6-digit code against the secret at the given time,
// tolerating totpSkew steps of drift in either direction.
func VerifyTOTPAt(secret, code string, at time.Time) bool {
	key, err := b32.DecodeString(secret)
	if err != nil {
		return false
	}

	step := at.Unix() / int64(totpPeriod.Seconds())
	for i := int64(-totpSkew); i <= totpSkew; i++ {
		if hotp(key, uint64(step+i)) == code {
			return true
		}
	}
	return false
}

// CodeAt computes the code for a secret at a given time. Exposed for tests
// and for the CLI's dev tooling.
func CodeAt(secret string, at time.Time) (string, error) {
	key, err := b32.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("invalid base32 secret: %w", err)
	}
	return hotp(key, uint64(at.Unix()/int64(totpPeriod.Seconds()))), nil
}

// hotp is the RFC 4226 dynamic truncation over HMAC-SHA1.
func hotp(key []byte, counter uint64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0xf
	binCode := int64(sum[offset]&0x7f)<<24 |
		int64(sum[offset+1])<<16 |
		int64(sum[offset+2])<<8 |
		int64(sum[offset+3])

	return fmt.Sprintf("%06d", binCode%1000000)
}

// ProvisioningURI renders the otpauth:// URI authenticator apps import.
func ProvisioningURI(issuer, account, secret string) string {
	query := url.Values{}
	query.Set("secret", secret)
	query.Set("issuer", issuer)
	query.Set("digits", fmt.Sprintf("%d", totpDigits))
	query.Set("period", fmt.Sprintf("%d", int(totpPeriod.Seconds())))

	label := url.PathEscape(issuer + ":" + account)
	return fmt.Sprintf("otpauth://totp/%s?%s", label, query.Encode())
}

// QRCodePNG encodes the provisioning URI as a PNG bitmap.
func QRCodePNG(uri string, size int) ([]byte, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	return png, nil
}
