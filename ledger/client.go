// Package ledger is a small Solana JSON-RPC client covering the calls the relayer needs:
// blockhashes, balances, nonce accounts, transaction send/simulate and signature status.
package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ybbus/jsonrpc/v3"
)

type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionFailed   = errors.New("transaction failed on chain")
	ErrConfirmationTimeout = errors.New("transaction was not confirmed in time")
	ErrUnhealthy           = errors.New("node is unhealthy")
)

const (
	defaultPollInterval = 400 * time.Millisecond
	defaultHTTPTimeout  = 10 * time.Second
)

type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type latestBlockhashResult struct {
	Context rpcContext `json:"context"`
	Value   struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

type balanceResult struct {
	Context rpcContext `json:"context"`
	Value   uint64     `json:"value"`
}

type accountInfoResult struct {
	Context rpcContext `json:"context"`
	Value   *struct {
		Data     []string `json:"data"`
		Lamports uint64   `json:"lamports"`
		Owner    string   `json:"owner"`
	} `json:"value"`
}

type signatureStatusesResult struct {
	Context rpcContext         `json:"context"`
	Value   []*SignatureStatus `json:"value"`
}

// SignatureStatus is the ledger view of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64  `json:"slot"`
	Confirmations      *uint64 `json:"confirmations"`
	Err                any     `json:"err"`
	ConfirmationStatus string  `json:"confirmationStatus"`
}

// Reached reports whether the status is at or beyond the given commitment.
func (s *SignatureStatus) Reached(c Commitment) bool {
	if s == nil {
		return false
	}
	rank := map[string]int{
		string(CommitmentProcessed): 1,
		string(CommitmentConfirmed): 2,
		string(CommitmentFinalized): 3,
	}
	return rank[s.ConfirmationStatus] >= rank[string(c)]
}

type simulateResult struct {
	Context rpcContext       `json:"context"`
	Value   SimulationResult `json:"value"`
}

type SimulationResult struct {
	Err           any      `json:"err"`
	Logs          []string `json:"logs"`
	UnitsConsumed *uint64  `json:"unitsConsumed"`
}

func (r SimulationResult) Failed() bool {
	return r.Err != nil
}

type Client struct {
	rpc          jsonrpc.RPCClient
	Commitment   Commitment
	PollInterval time.Duration
}

// NewClient creates a client for a JSON-RPC endpoint, headers are sent with every request.
func NewClient(endpoint string, headers map[string]string) *Client {
	return &Client{
		rpc: jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
			HTTPClient:    &http.Client{Timeout: defaultHTTPTimeout},
			CustomHeaders: headers,
		}),
		Commitment:   CommitmentConfirmed,
		PollInterval: defaultPollInterval,
	}
}

func (c *Client) commitmentConfig() map[string]any {
	return map[string]any{"commitment": c.Commitment}
}

func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	var res latestBlockhashResult
	if err := c.rpc.CallFor(ctx, &res, "getLatestBlockhash", []any{c.commitmentConfig()}); err != nil {
		return solana.Hash{}, 0, err
	}
	hash, err := solana.HashFromBase58(res.Value.Blockhash)
	if err != nil {
		return solana.Hash{}, 0, fmt.Errorf("invalid blockhash %q: %w", res.Value.Blockhash, err)
	}
	return hash, res.Value.LastValidBlockHeight, nil
}

func (c *Client) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var res balanceResult
	if err := c.rpc.CallFor(ctx, &res, "getBalance", []any{account.String(), c.commitmentConfig()}); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// AccountData returns the raw data and owner of an account, ErrAccountNotFound if it does not exist.
func (c *Client) AccountData(ctx context.Context, account solana.PublicKey) ([]byte, solana.PublicKey, error) {
	var res accountInfoResult
	cfg := map[string]any{"encoding": "base64", "commitment": c.Commitment}
	if err := c.rpc.CallFor(ctx, &res, "getAccountInfo", []any{account.String(), cfg}); err != nil {
		return nil, solana.PublicKey{}, err
	}
	if res.Value == nil {
		return nil, solana.PublicKey{}, ErrAccountNotFound
	}
	if len(res.Value.Data) == 0 {
		return nil, solana.PublicKey{}, fmt.Errorf("account %s: empty data field", account)
	}
	data, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	owner, err := solana.PublicKeyFromBase58(res.Value.Owner)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	return data, owner, nil
}

// SendTransaction broadcasts a signed transaction without preflight and returns the signature the node reports.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	encoded, err := EncodeTransaction(tx)
	if err != nil {
		return solana.Signature{}, err
	}
	cfg := map[string]any{
		"encoding":      "base64",
		"skipPreflight": true,
		"maxRetries":    0,
	}
	var sig string
	if err := c.rpc.CallFor(ctx, &sig, "sendTransaction", []any{encoded, cfg}); err != nil {
		return solana.Signature{}, err
	}
	return solana.SignatureFromBase58(sig)
}

// SimulateTransaction runs the transaction against the node's bank without signature verification.
func (c *Client) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (SimulationResult, error) {
	encoded, err := EncodeTransaction(tx)
	if err != nil {
		return SimulationResult{}, err
	}
	cfg := map[string]any{
		"encoding":   "base64",
		"sigVerify":  false,
		"commitment": c.Commitment,
	}
	var res simulateResult
	if err := c.rpc.CallFor(ctx, &res, "simulateTransaction", []any{encoded, cfg}); err != nil {
		return SimulationResult{}, err
	}
	return res.Value, nil
}

// SignatureStatus returns nil status when the ledger has not seen the signature yet.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	var res signatureStatusesResult
	cfg := map[string]any{"searchTransactionHistory": false}
	if err := c.rpc.CallFor(ctx, &res, "getSignatureStatuses", []any{[]string{sig.String()}, cfg}); err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

// WaitForConfirmation polls the signature status until it reaches the client commitment or ctx expires.
func (c *Client) WaitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		status, err := c.SignatureStatus(ctx, sig)
		if err == nil && status != nil {
			if status.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
			}
			if status.Reached(c.Commitment) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return errors.Join(ErrConfirmationTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) Health(ctx context.Context) error {
	var res string
	if err := c.rpc.CallFor(ctx, &res, "getHealth"); err != nil {
		return err
	}
	if res != "ok" {
		return fmt.Errorf("%w: %s", ErrUnhealthy, res)
	}
	return nil
}

// IsRPCError reports whether err is an error object returned by the remote node,
// as opposed to a transport failure.
func IsRPCError(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatus returns the HTTP status code carried by err, 0 if there is none.
func HTTPStatus(err error) int {
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return 0
}
