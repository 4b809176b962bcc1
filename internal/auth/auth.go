// Package auth provides the cardhost registration verification boundary.
//
// Signature verification of cardhost public keys is an external concern;
// this package intentionally ships only the interface and stub
// implementations.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Registration carries the identity material a cardhost presents when it
// registers with the router.
type Registration struct {
	CardhostID  string
	DisplayName string
	PublicKey   string
}

// Verifier decides whether a registration may proceed.
type Verifier interface {
	Verify(reg Registration) error
}

// AllowAll accepts every registration. Development stub.
type AllowAll struct{}

func (AllowAll) Verify(Registration) error { return nil }

// StaticKey accepts registrations presenting one shared public key.
// It is intended only for development and proofs of concept.
type StaticKey struct {
	Key string
}

func (s StaticKey) Verify(reg Registration) error {
	if s.Key == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Key), []byte(reg.PublicKey)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncVerifier adapts a function into a Verifier.
type FuncVerifier func(reg Registration) error

func (f FuncVerifier) Verify(reg Registration) error {
	return f(reg)
}
