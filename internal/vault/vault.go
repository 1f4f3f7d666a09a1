package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"grompt/internal/kv"
)

const (
	DefaultStorageKey = "grompt.apikeys.v1"
	DefaultIterations = 100_000

	saltSize = 16
	keySize  = 32
)

// Credentials is one provider's record inside the vault contents.
type Credentials struct {
	APIKey       string            `json:"apiKey,omitempty"`
	BaseURL      string            `json:"baseUrl,omitempty"`
	DefaultModel string            `json:"defaultModel,omitempty"`
	OrgID        string            `json:"orgId,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// Contents maps a provider id (openai, anthropic, ...) to its credentials.
type Contents map[string]Credentials

// Vault persists provider credentials as a single envelope in key-value
// storage, optionally encrypted under a user passphrase. Writes are
// last-writer-wins; there is no cross-process mutual exclusion.
type Vault struct {
	kv         kv.Store
	storageKey string
	iterations int
}

type Options struct {
	StorageKey string
	Iterations int
}

func New(store kv.Store, opts Options) *Vault {
	if opts.StorageKey == "" {
		opts.StorageKey = DefaultStorageKey
	}
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultIterations
	}
	return &Vault{kv: store, storageKey: opts.StorageKey, iterations: opts.Iterations}
}

// GetStoredEnvelope reads and validates the stored envelope. A missing or
// malformed record is reported as absent, not as an error: the user can
// always re-enter keys, so a corrupt vault must not block startup.
func (v *Vault) GetStoredEnvelope(ctx context.Context) (Envelope, bool, error) {
	raw, err := v.kv.Get(ctx, v.storageKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Envelope{}, false, nil
		}
		return Envelope{}, false, fmt.Errorf("read envelope: %w", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return Envelope{}, false, nil
	}
	return env, true, nil
}

// SaveVault serializes contents and fully replaces the stored envelope.
// A non-empty passphrase derives a fresh key (PBKDF2-SHA256, new random
// salt and nonce every save) and seals the payload with AES-GCM.
func (v *Vault) SaveVault(ctx context.Context, contents Contents, passphrase string) error {
	if contents == nil {
		contents = Contents{}
	}
	plaintext, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("marshal vault contents: %w", err)
	}

	var env Envelope
	if passphrase != "" {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		aead, err := newAEAD(passphrase, salt, v.iterations)
		if err != nil {
			return err
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("generate nonce: %w", err)
		}
		ciphertext := aead.Seal(nil, nonce, plaintext, nil)
		env = Envelope{
			Version:   EnvelopeVersion,
			Encrypted: true,
			Salt:      base64.StdEncoding.EncodeToString(salt),
			IV:        base64.StdEncoding.EncodeToString(nonce),
			Payload:   base64.StdEncoding.EncodeToString(ciphertext),
		}
	} else {
		env = Envelope{
			Version:   EnvelopeVersion,
			Encrypted: false,
			Payload:   base64.StdEncoding.EncodeToString(plaintext),
		}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := v.kv.Set(ctx, v.storageKey, raw); err != nil {
		return fmt.Errorf("store envelope: %w", err)
	}
	return nil
}

// UnlockResult is the typed outcome of an unlock attempt. Err is
// human-readable and never distinguishes a wrong passphrase from
// tampered ciphertext.
type UnlockResult struct {
	OK        bool     `json:"ok"`
	Locked    bool     `json:"locked,omitempty"`
	Encrypted bool     `json:"encrypted"`
	Vault     Contents `json:"vault,omitempty"`
	Err       string   `json:"error,omitempty"`
}

const errLockedMsg = "unable to unlock vault: wrong passphrase or corrupted data"

// UnlockVault decodes the stored envelope. No envelope yields an empty
// unlocked vault. An encrypted envelope without a passphrase reports
// locked so the caller can prompt; a failed decryption reports locked
// with a retryable error. The returned error covers storage faults only.
func (v *Vault) UnlockVault(ctx context.Context, passphrase string) (UnlockResult, error) {
	env, found, err := v.GetStoredEnvelope(ctx)
	if err != nil {
		return UnlockResult{}, err
	}
	if !found {
		return UnlockResult{OK: true, Vault: Contents{}}, nil
	}

	if !env.Encrypted {
		contents, err := decodeContents(env.Payload)
		if err != nil {
			// Corrupt plaintext payload degrades to an empty vault.
			return UnlockResult{OK: true, Vault: Contents{}}, nil
		}
		return UnlockResult{OK: true, Vault: contents}, nil
	}

	if passphrase == "" {
		return UnlockResult{OK: true, Locked: true, Encrypted: true}, nil
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return UnlockResult{OK: false, Locked: true, Encrypted: true, Err: errLockedMsg}, nil
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return UnlockResult{OK: false, Locked: true, Encrypted: true, Err: errLockedMsg}, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return UnlockResult{OK: false, Locked: true, Encrypted: true, Err: errLockedMsg}, nil
	}

	aead, err := newAEAD(passphrase, salt, v.iterations)
	if err != nil {
		return UnlockResult{}, err
	}
	if len(nonce) != aead.NonceSize() {
		return UnlockResult{OK: false, Locked: true, Encrypted: true, Err: errLockedMsg}, nil
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return UnlockResult{OK: false, Locked: true, Encrypted: true, Err: errLockedMsg}, nil
	}

	var contents Contents
	if err := json.Unmarshal(plaintext, &contents); err != nil {
		return UnlockResult{OK: false, Locked: true, Encrypted: true, Err: errLockedMsg}, nil
	}
	return UnlockResult{OK: true, Encrypted: true, Vault: contents}, nil
}

// ClearVault removes the stored envelope. Idempotent.
func (v *Vault) ClearVault(ctx context.Context) error {
	if err := v.kv.Delete(ctx, v.storageKey); err != nil {
		return fmt.Errorf("clear vault: %w", err)
	}
	return nil
}

// ExportStoredEnvelope returns the raw envelope as portable JSON text,
// defaulting to an empty-vault envelope so export is always well-formed.
func (v *Vault) ExportStoredEnvelope(ctx context.Context) (string, error) {
	env, found, err := v.GetStoredEnvelope(ctx)
	if err != nil {
		return "", err
	}
	if !found {
		env = Envelope{
			Version:   EnvelopeVersion,
			Encrypted: false,
			Payload:   base64.StdEncoding.EncodeToString([]byte("{}")),
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(raw), nil
}

// ImportStoredEnvelope validates raw text as an envelope and replaces the
// current one. Malformed input fails with ErrInvalidEnvelope and leaves
// the previous envelope untouched.
func (v *Vault) ImportStoredEnvelope(ctx context.Context, raw string) error {
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		return err
	}
	out, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := v.kv.Set(ctx, v.storageKey, out); err != nil {
		return fmt.Errorf("store envelope: %w", err)
	}
	return nil
}

func newAEAD(passphrase string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

func decodeContents(payload string) (Contents, error) {
	plaintext, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var contents Contents
	if err := json.Unmarshal(plaintext, &contents); err != nil {
		return nil, fmt.Errorf("unmarshal vault contents: %w", err)
	}
	if contents == nil {
		contents = Contents{}
	}
	return contents, nil
}
