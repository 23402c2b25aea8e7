// Package envelope implements the request envelope used by the Totoro API:
// the JSON request is split into chunks, each chunk is encrypted with RSA
// PKCS#1 v1.5 under the platform public key, and the concatenated blocks are
// base64 encoded.
package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// pkcs1Overhead is the padding overhead of PKCS#1 v1.5 per block.
const pkcs1Overhead = 11

var ErrNoPrivateKey = errors.New("envelope: private key not configured")

// Cipher seals request payloads and opens sealed payloads.
type Cipher interface {
	Encrypt(payload any) (string, error)
	Decrypt(ciphertext string, out any) error
}

// RSA is the chunked PKCS#1 v1.5 envelope. The private key is optional and
// only needed for Decrypt.
type RSA struct {
	pub  *rsa.PublicKey
	priv *rsa.PrivateKey
}

func NewRSA(pub *rsa.PublicKey, priv *rsa.PrivateKey) (*RSA, error) {
	if pub == nil {
		if priv == nil {
			return nil, errors.New("envelope: public key required")
		}
		pub = &priv.PublicKey
	}
	if pub.Size() <= pkcs1Overhead {
		return nil, fmt.Errorf("envelope: modulus too small (%d bytes)", pub.Size())
	}
	return &RSA{pub: pub, priv: priv}, nil
}

// FromKeys builds the cipher from configured key material. privKey may be empty.
func FromKeys(pubKey, privKey []byte) (*RSA, error) {
	var (
		pub  *rsa.PublicKey
		priv *rsa.PrivateKey
		err  error
	)
	if len(pubKey) > 0 {
		if pub, err = ParsePublicKey(pubKey); err != nil {
			return nil, err
		}
	}
	if len(privKey) > 0 {
		if priv, err = ParsePrivateKey(privKey); err != nil {
			return nil, err
		}
	}
	return NewRSA(pub, priv)
}

func (c *RSA) Encrypt(payload any) (string, error) {
	plain, err := sonic.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal: %w", err)
	}
	chunk := c.pub.Size() - pkcs1Overhead
	out := make([]byte, 0, (len(plain)/chunk+1)*c.pub.Size())
	for off := 0; off < len(plain); off += chunk {
		end := off + chunk
		if end > len(plain) {
			end = len(plain)
		}
		block, err := rsa.EncryptPKCS1v15(rand.Reader, c.pub, plain[off:end])
		if err != nil {
			return "", fmt.Errorf("envelope: encrypt: %w", err)
		}
		out = append(out, block...)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *RSA) Decrypt(ciphertext string, out any) error {
	if c.priv == nil {
		return ErrNoPrivateKey
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return fmt.Errorf("envelope: base64: %w", err)
	}
	size := c.priv.Size()
	if len(raw) == 0 || len(raw)%size != 0 {
		return fmt.Errorf("envelope: ciphertext length %d is not a multiple of %d", len(raw), size)
	}
	plain := make([]byte, 0, len(raw))
	for off := 0; off < len(raw); off += size {
		block, err := rsa.DecryptPKCS1v15(nil, c.priv, raw[off:off+size])
		if err != nil {
			return fmt.Errorf("envelope: decrypt: %w", err)
		}
		plain = append(plain, block...)
	}
	return sonic.Unmarshal(plain, out)
}

// ParsePublicKey accepts a PEM block (PUBLIC KEY or RSA PUBLIC KEY) or the
// base64 encoding of a DER SubjectPublicKeyInfo.
func ParsePublicKey(b []byte) (*rsa.PublicKey, error) {
	der, err := derBytes(b)
	if err != nil {
		return nil, err
	}
	if k, err := x509.ParsePKIXPublicKey(der); err == nil {
		pub, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("envelope: public key is not RSA")
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("envelope: parse public key: %w", err)
	}
	return pub, nil
}

// ParsePrivateKey accepts PKCS#1 or PKCS#8, PEM or base64 DER.
func ParsePrivateKey(b []byte) (*rsa.PrivateKey, error) {
	der, err := derBytes(b)
	if err != nil {
		return nil, err
	}
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		priv, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("envelope: private key is not RSA")
		}
		return priv, nil
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("envelope: parse private key: %w", err)
	}
	return priv, nil
}

func derBytes(b []byte) ([]byte, error) {
	// env files often carry PEM with literal "\n"
	s := strings.TrimSpace(strings.ReplaceAll(string(b), `\n`, "\n"))
	if strings.HasPrefix(s, "-----BEGIN") {
		blk, _ := pem.Decode([]byte(s))
		if blk == nil {
			return nil, errors.New("envelope: invalid PEM")
		}
		return blk.Bytes, nil
	}
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("envelope: key is neither PEM nor base64 DER: %w", err)
	}
	return der, nil
}
