package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Encode serializes one envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	if env.Version == "" {
		env.Version = Version
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, env.Version)
	}
	return json.Marshal(env)
}

// Decode parses one envelope from its wire form. Decoding is strict:
// unknown fields, a version other than "2.0", a call without a method,
// and a response carrying both result and error are all rejected.
// Round-trip law: Decode(Encode(e)) == e for every well-formed e.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("%w: trailing data", ErrMalformedEnvelope)
	}
	if err := validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func validate(env Envelope) error {
	if env.Version != Version {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, env.Version)
	}
	hasMethod := strings.TrimSpace(env.Method) != ""
	if hasMethod {
		if env.Result != nil || env.Error != nil {
			return fmt.Errorf("%w: call carries result or error", ErrInvalidEnvelope)
		}
		return nil
	}
	// Responses require an id and exactly one of result/error. An id with
	// neither method nor outcome is an undecodable call.
	if env.ID == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidEnvelope)
	}
	if env.Result != nil && env.Error != nil {
		return fmt.Errorf("%w: response carries both result and error", ErrInvalidEnvelope)
	}
	if env.Result == nil && env.Error == nil {
		return fmt.Errorf("%w: call missing method", ErrInvalidEnvelope)
	}
	if env.Error != nil && env.Error.Message == "" {
		return fmt.Errorf("%w: error missing message", ErrInvalidEnvelope)
	}
	if len(env.Params) > 0 {
		return fmt.Errorf("%w: response carries params", ErrInvalidEnvelope)
	}
	return nil
}
