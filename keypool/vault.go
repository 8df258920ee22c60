package keypool

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrUnknownHandle = errors.New("unknown secret handle")
	ErrVaultKey      = errors.New("vault key must be 32 bytes")
	errSealCorrupted = errors.New("sealed secret failed authentication")
)

// SecretHandle names a secret held by a Vault. It is safe to log.
type SecretHandle string

func (h SecretHandle) String() string {
	return "secret:" + string(h)
}

// Vault keeps private keys sealed in memory. Plain key material exists only for the duration of a
// Signer call and in the caller that requested it.
type Vault struct {
	key [32]byte

	mu     sync.RWMutex
	sealed map[SecretHandle][]byte
}

// NewVault creates a vault with a random sealing key.
func NewVault() (*Vault, error) {
	v := &Vault{sealed: make(map[SecretHandle][]byte)}
	if _, err := io.ReadFull(rand.Reader, v.key[:]); err != nil {
		return nil, err
	}
	return v, nil
}

// NewVaultWithKey creates a vault sealing with the given 32 byte key.
func NewVaultWithKey(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, ErrVaultKey
	}
	v := &Vault{sealed: make(map[SecretHandle][]byte)}
	copy(v.key[:], key)
	return v, nil
}

func (v *Vault) Put(key solana.PrivateKey) (SecretHandle, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	box := secretbox.Seal(nonce[:], key, &nonce, &v.key)
	handle := SecretHandle(uuid.NewString())

	v.mu.Lock()
	v.sealed[handle] = box
	v.mu.Unlock()
	return handle, nil
}

func (v *Vault) Signer(handle SecretHandle) (solana.PrivateKey, error) {
	v.mu.RLock()
	box, ok := v.sealed[handle]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, &v.key)
	if !ok {
		return nil, errSealCorrupted
	}
	return solana.PrivateKey(plain), nil
}

func (v *Vault) Forget(handle SecretHandle) {
	v.mu.Lock()
	delete(v.sealed, handle)
	v.mu.Unlock()
}

func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.sealed)
}
