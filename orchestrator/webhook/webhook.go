// Package webhook verifies signed edit events from the document platform.
// Each event carries an RSA PKCS1v15 signature over the edit coordinates and
// a timestamp; verification tolerates modest clock skew between the platform
// and this process. A disabled verifier accepts everything, which keeps local
// development free of key management.
package webhook

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// allowedSkew bounds how far an event timestamp may drift from local time.
const allowedSkew = 5 * time.Minute

// Verifier checks edit-event signatures against the platform's public key.
type Verifier struct {
	publicKey *rsa.PublicKey
	enabled   bool
	now       func() time.Time
}

// NewVerifier parses the PEM public key. With enabled false the key is not
// required and Verify always passes.
func NewVerifier(publicKeyPEM string, enabled bool) (*Verifier, error) {
	if !enabled {
		return &Verifier{enabled: false, now: time.Now}, nil
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("no PEM block in webhook public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse webhook public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("webhook public key is not RSA")
	}

	return &Verifier{publicKey: rsaPub, enabled: true, now: time.Now}, nil
}

// Enabled reports whether signatures are being checked.
func (v *Verifier) Enabled() bool { return v.enabled }

// Verify checks the base64 signature over one edit event. The timestamp is
// Unix seconds as stamped by the platform when the edit fired.
func (v *Verifier) Verify(signature, table string, rowIndex int, column, editor string, timestamp int64) error {
	if !v.enabled {
		return nil
	}

	skew := v.now().Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > allowedSkew {
		return fmt.Errorf("edit timestamp skew %ds exceeds %s", skew, allowedSkew)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode edit signature: %w", err)
	}

	hashed := sha256.Sum256([]byte(message(table, rowIndex, column, editor, timestamp)))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, hashed[:], sig); err != nil {
		return fmt.Errorf("edit signature verification failed: %w", err)
	}
	return nil
}

// Signer produces edit-event signatures. The document platform holds the
// private key in production; this side exists for tests and local tooling.
type Signer struct {
	privateKey *rsa.PrivateKey
}

func NewSigner(privateKey *rsa.PrivateKey) *Signer {
	return &Signer{privateKey: privateKey}
}

// Sign returns the base64 signature for one edit event.
func (s *Signer) Sign(table string, rowIndex int, column, editor string, timestamp int64) (string, error) {
	hashed := sha256.Sum256([]byte(message(table, rowIndex, column, editor, timestamp)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("sign edit event: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func message(table string, rowIndex int, column, editor string, timestamp int64) string {
	return fmt.Sprintf("%s:%d:%s:%s:%d", table, rowIndex, column, editor, timestamp)
}
