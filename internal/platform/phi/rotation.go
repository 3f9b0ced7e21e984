package phi

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Ciphertexts written by the rotating encryptor carry a "v{n}:" prefix so
// the key that sealed them can be found after a rotation.
const versionSeparator = ":"

// RotatingEncryptor encrypts with the current key while still decrypting
// values sealed under earlier key versions.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    *Encryptor
	currentVer int
	previous   map[int]*Encryptor
}

// NewRotatingEncryptor wraps the current key at the given version.
func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	enc, err := NewEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("phi rotation: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*Encryptor),
	}, nil
}

// AddPreviousKey registers a retired key so its ciphertexts stay readable.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	enc, err := NewEncryptor(key)
	if err != nil {
		return fmt.Errorf("phi rotation: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous[version] = enc
	return nil
}

// Encrypt seals with the current key and tags the result with its version.
func (r *RotatingEncryptor) Encrypt(plaintext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ciphertext, err := r.current.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return "v" + strconv.Itoa(r.currentVer) + versionSeparator + ciphertext, nil
}

// Decrypt routes to the key named by the version prefix. Unprefixed values
// predate rotation and fall through to the current key.
func (r *RotatingEncryptor) Decrypt(ciphertext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, data, ok := splitVersioned(ciphertext)
	if !ok {
		return r.current.Decrypt(ciphertext)
	}
	if version == r.currentVer {
		return r.current.Decrypt(data)
	}
	enc, found := r.previous[version]
	if !found {
		return "", fmt.Errorf("phi rotation: no key for version %d", version)
	}
	return enc.Decrypt(data)
}

// NeedsReEncryption reports whether the value was sealed under an old key.
func (r *RotatingEncryptor) NeedsReEncryption(ciphertext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	version, _, ok := splitVersioned(ciphertext)
	return !ok || version != r.currentVer
}

// ReEncrypt reseals a value under the current key.
func (r *RotatingEncryptor) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi re-encrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

// CurrentVersion returns the active key version.
func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

func splitVersioned(s string) (int, string, bool) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", false
	}
	idx := strings.Index(s, versionSeparator)
	if idx < 0 {
		return 0, "", false
	}
	version, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", false
	}
	return version, s[idx+1:], true
}
