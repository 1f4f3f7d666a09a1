package vault

import (
	"encoding/json"
	"errors"
	"fmt"
)

const EnvelopeVersion = 1

var ErrInvalidEnvelope = errors.New("invalid vault envelope")

// Envelope is the versioned container persisted for the vault. Salt and IV
// are present if and only if the payload is ciphertext; all binary fields
// are base64-encoded so the envelope is portable as plain JSON text.
type Envelope struct {
	Version   int    `json:"version"`
	Encrypted bool   `json:"encrypted"`
	Salt      string `json:"salt,omitempty"`
	IV        string `json:"iv,omitempty"`
	Payload   string `json:"payload"`
}

func (e Envelope) validate() error {
	if e.Version != EnvelopeVersion {
		return fmt.Errorf("%w: unknown version %d", ErrInvalidEnvelope, e.Version)
	}
	if e.Payload == "" {
		return fmt.Errorf("%w: payload is empty", ErrInvalidEnvelope)
	}
	if e.Encrypted {
		if e.Salt == "" || e.IV == "" {
			return fmt.Errorf("%w: encrypted envelope missing salt or iv", ErrInvalidEnvelope)
		}
	} else if e.Salt != "" || e.IV != "" {
		return fmt.Errorf("%w: plaintext envelope carries salt or iv", ErrInvalidEnvelope)
	}
	return nil
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
