package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

var ErrMissingSigner = errors.New("missing signer for transaction")

// EncodeTransaction returns the base64 wire form of a signed transaction.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// SignTransaction signs tx with every required signer found in keys.
func SignTransaction(tx *solana.Transaction, keys ...solana.PrivateKey) error {
	var missing solana.PublicKey
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range keys {
			if keys[i].PublicKey().Equals(key) {
				return &keys[i]
			}
		}
		missing = key
		return nil
	})
	if err != nil {
		if !missing.IsZero() {
			return fmt.Errorf("%w: %s", ErrMissingSigner, missing)
		}
		return err
	}
	return nil
}

// BuildTransaction assembles and signs a transaction paid for by payer.
func BuildTransaction(ixs []solana.Instruction, recent solana.Hash, payer solana.PrivateKey, signers ...solana.PrivateKey) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(ixs, recent, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		return nil, err
	}
	if err := SignTransaction(tx, append([]solana.PrivateKey{payer}, signers...)...); err != nil {
		return nil, err
	}
	return tx, nil
}

// sendAndConfirm signs against the latest blockhash, sends and waits for confirmation.
func (c *Client) sendAndConfirm(ctx context.Context, ixs []solana.Instruction, payer solana.PrivateKey) (solana.Signature, error) {
	recent, _, err := c.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	tx, err := BuildTransaction(ixs, recent, payer)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := c.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := c.WaitForConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// Transfer moves lamports from one system account to another and waits for confirmation.
func (c *Client) Transfer(ctx context.Context, from solana.PrivateKey, to solana.PublicKey, lamports uint64) (solana.Signature, error) {
	ix := system.NewTransferInstruction(lamports, from.PublicKey(), to).Build()
	return c.sendAndConfirm(ctx, []solana.Instruction{ix}, from)
}

// AdvanceNonce advances the durable nonce stored in account. The authority pays the fee.
func (c *Client) AdvanceNonce(ctx context.Context, account solana.PublicKey, authority solana.PrivateKey) error {
	ix := system.NewAdvanceNonceAccountInstruction(
		account,
		solana.SysVarRecentBlockHashesPubkey,
		authority.PublicKey(),
	).Build()
	_, err := c.sendAndConfirm(ctx, []solana.Instruction{ix}, authority)
	return err
}

// InitializeNonce initializes an allocated, system-owned nonce account with the given authority.
func (c *Client) InitializeNonce(ctx context.Context, account solana.PublicKey, authority solana.PrivateKey) error {
	ix := system.NewInitializeNonceAccountInstruction(
		authority.PublicKey(),
		account,
		solana.SysVarRecentBlockHashesPubkey,
		solana.SysVarRentPubkey,
	).Build()
	_, err := c.sendAndConfirm(ctx, []solana.Instruction{ix}, authority)
	return err
}

// AdvanceNonceInstruction must be the first instruction of a durable-nonce transaction.
func AdvanceNonceInstruction(account, authority solana.PublicKey) solana.Instruction {
	return system.NewAdvanceNonceAccountInstruction(account, solana.SysVarRecentBlockHashesPubkey, authority).Build()
}

func TransferInstruction(lamports uint64, from, to solana.PublicKey) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}
