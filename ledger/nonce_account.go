package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrNotNonceAccount     = errors.New("account is not a nonce account")
	ErrNonceNotInitialized = errors.New("nonce account is not initialized")
)

// NonceAccountSize is the size of the system program nonce account data.
const NonceAccountSize = 80

const (
	nonceStateUninitialized = uint32(0)
	nonceStateInitialized   = uint32(1)
)

// NonceAccount is the decoded system nonce account state.
// Layout (little endian):
// version(4 bytes):state(4 bytes):authority(32 bytes):durable_nonce(32 bytes):lamports_per_signature(8 bytes)
type NonceAccount struct {
	Version              uint32
	State                uint32
	Authority            solana.PublicKey
	Nonce                solana.Hash
	LamportsPerSignature uint64
}

func (n NonceAccount) Initialized() bool {
	return n.State == nonceStateInitialized
}

func DecodeNonceAccount(data []byte) (NonceAccount, error) {
	if len(data) != NonceAccountSize {
		return NonceAccount{}, fmt.Errorf("%w: data length %d", ErrNotNonceAccount, len(data))
	}
	var acc NonceAccount
	acc.Version = binary.LittleEndian.Uint32(data[0:4])
	acc.State = binary.LittleEndian.Uint32(data[4:8])
	if acc.State != nonceStateUninitialized && acc.State != nonceStateInitialized {
		return NonceAccount{}, fmt.Errorf("%w: unknown state %d", ErrNotNonceAccount, acc.State)
	}
	copy(acc.Authority[:], data[8:40])
	copy(acc.Nonce[:], data[40:72])
	acc.LamportsPerSignature = binary.LittleEndian.Uint64(data[72:80])
	return acc, nil
}

// EncodeNonceAccount is the inverse of DecodeNonceAccount.
func EncodeNonceAccount(acc NonceAccount) []byte {
	data := make([]byte, NonceAccountSize)
	binary.LittleEndian.PutUint32(data[0:4], acc.Version)
	binary.LittleEndian.PutUint32(data[4:8], acc.State)
	copy(data[8:40], acc.Authority[:])
	copy(data[40:72], acc.Nonce[:])
	binary.LittleEndian.PutUint64(data[72:80], acc.LamportsPerSignature)
	return data
}

// NonceAccount fetches and decodes a nonce account. An allocated but uninitialized account
// is returned together with ErrNonceNotInitialized.
func (c *Client) NonceAccount(ctx context.Context, account solana.PublicKey) (NonceAccount, error) {
	data, owner, err := c.AccountData(ctx, account)
	if err != nil {
		return NonceAccount{}, err
	}
	if !owner.Equals(solana.SystemProgramID) {
		return NonceAccount{}, fmt.Errorf("%w: owner %s", ErrNotNonceAccount, owner)
	}
	acc, err := DecodeNonceAccount(data)
	if err != nil {
		return NonceAccount{}, err
	}
	if !acc.Initialized() {
		return acc, ErrNonceNotInitialized
	}
	return acc, nil
}
