package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// ParsePublicKeyPEM builds a Verifier from a PEM encoded PKIX or PKCS#1
// public key.
func ParsePublicKeyPEM(data []byte) (Verifier, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEM
	}

	var pub any
	var err error
	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		pub, err = x509.ParsePKIXPublicKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("signature: parse public key: %w", err)
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		return NewRSAVerifier(k), nil
	case *ecdsa.PublicKey:
		return NewECDSAVerifier(k), nil
	default:
		return nil, ErrUnsupportedKey
	}
}

// Signer produces trailers accepted by the matching Verifier.
type Signer struct {
	key crypto.Signer
}

// NewSigner wraps an *rsa.PrivateKey or *ecdsa.PrivateKey.
func NewSigner(key crypto.Signer) (*Signer, error) {
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return &Signer{key: key}, nil
	}
	return nil, ErrUnsupportedKey
}

// ParsePrivateKeyPEM builds a Signer from a PEM encoded PKCS#8, PKCS#1 or
// SEC 1 private key.
func ParsePrivateKeyPEM(data []byte) (*Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEM
	}

	var key any
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("signature: parse private key: %w", err)
	}

	s, ok := key.(crypto.Signer)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return NewSigner(s)
}

// Verifier returns the verifier for the signer's public key.
func (s *Signer) Verifier() Verifier {
	switch k := s.key.(type) {
	case *rsa.PrivateKey:
		return NewRSAVerifier(&k.PublicKey)
	case *ecdsa.PrivateKey:
		return NewECDSAVerifier(&k.PublicKey)
	}
	return nil
}

// Sign hashes payload with h and returns the signature trailer.
func (s *Signer) Sign(h Hash, payload []byte) ([]byte, error) {
	hh := h.New()
	hh.Write(payload)
	sum := hh.Sum(nil)

	switch k := s.key.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, k, h.crypto(), sum)
	case *ecdsa.PrivateKey:
		r, sv, err := ecdsa.Sign(rand.Reader, k, sum)
		if err != nil {
			return nil, err
		}
		n := coordSize(k.Curve.Params().BitSize)
		out := make([]byte, 2*n)
		r.FillBytes(out[:n])
		sv.FillBytes(out[n:])
		return out, nil
	}
	return nil, ErrUnsupportedKey
}

// SignImage returns payload with its signature trailer appended.
func (s *Signer) SignImage(h Hash, payload []byte) ([]byte, error) {
	sig, err := s.Sign(h, payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+len(sig))
	out = append(out, payload...)
	return append(out, sig...), nil
}
