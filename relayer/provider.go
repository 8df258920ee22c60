package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/808putnam/qtrade-relayer/ledger"
	"github.com/gagliardetto/solana-go"
)

// Provider is one submission endpoint. Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	// Send broadcasts the signed transaction and returns the signature reported by the endpoint.
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Simulate(ctx context.Context, tx *solana.Transaction) (ledger.SimulationResult, error)
	// Confirm blocks until sig is confirmed, fails on the ledger or ctx is done.
	Confirm(ctx context.Context, sig solana.Signature) error
	Health(ctx context.Context) error
}

// Tipper is implemented by providers that expect a tip transfer in every transaction they forward.
type Tipper interface {
	Tip() (account solana.PublicKey, lamports uint64, ok bool)
}

// Confirmer is the ledger view shared by providers that can't confirm or simulate on their own.
type Confirmer interface {
	WaitForConfirmation(ctx context.Context, sig solana.Signature) error
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (ledger.SimulationResult, error)
	Health(ctx context.Context) error
}

type ProviderAPI uint8

const (
	ProviderAPIRPC ProviderAPI = iota
	ProviderAPIJito
	ProviderAPISubmit
)

func (a ProviderAPI) String() string {
	switch a {
	case ProviderAPIRPC:
		return "rpc"
	case ProviderAPIJito:
		return "jito"
	case ProviderAPISubmit:
		return "submit"
	default:
		return fmt.Sprintf("api(%d)", uint8(a))
	}
}

type tip struct {
	account  solana.PublicKey
	lamports uint64
}

func (t *tip) Tip() (solana.PublicKey, uint64, bool) {
	if t == nil || t.account.IsZero() || t.lamports == 0 {
		return solana.PublicKey{}, 0, false
	}
	return t.account, t.lamports, true
}

// classify maps a provider error into ErrProviderRejected or ErrProviderUnreachable.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProviderRejected), errors.Is(err, ErrProviderUnreachable):
		return err
	case errors.Is(err, ledger.ErrTransactionFailed), ledger.IsRPCError(err):
		return fmt.Errorf("%w: %w", ErrProviderRejected, err)
	}
	if status := ledger.HTTPStatus(err); status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrProviderRejected, err)
	}
	return fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
}

// JSONRPCProvider speaks the standard Solana JSON-RPC sendTransaction. The jito kind sends to a block engine
// and confirms, simulates and checks health through the shared confirmer.
type JSONRPCProvider struct {
	name      string
	api       ProviderAPI
	client    *ledger.Client
	confirmer Confirmer
	*tip
}

func NewJSONRPCProvider(name string, api ProviderAPI, client *ledger.Client, confirmer Confirmer) *JSONRPCProvider {
	if confirmer == nil || api == ProviderAPIRPC {
		confirmer = client
	}
	return &JSONRPCProvider{name: name, api: api, client: client, confirmer: confirmer}
}

// WithTip makes the provider request a tip transfer in every transaction.
func (p *JSONRPCProvider) WithTip(account solana.PublicKey, lamports uint64) *JSONRPCProvider {
	p.tip = &tip{account: account, lamports: lamports}
	return p
}

func (p *JSONRPCProvider) Name() string {
	return p.name
}

func (p *JSONRPCProvider) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := p.client.SendTransaction(ctx, tx)
	return sig, classify(err)
}

func (p *JSONRPCProvider) Simulate(ctx context.Context, tx *solana.Transaction) (ledger.SimulationResult, error) {
	res, err := p.confirmer.SimulateTransaction(ctx, tx)
	return res, classify(err)
}

func (p *JSONRPCProvider) Confirm(ctx context.Context, sig solana.Signature) error {
	return classify(p.confirmer.WaitForConfirmation(ctx, sig))
}

func (p *JSONRPCProvider) Health(ctx context.Context) error {
	return p.confirmer.Health(ctx)
}

const submitPath = "/api/v2/submit"

type submitRequest struct {
	Tx            string `json:"tx"`
	UseStakedRPCs bool   `json:"useStakedRPCs"`
}

type submitResponse struct {
	Signature string `json:"signature"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SubmitProvider posts signed transactions to a REST submit endpoint with an auth header.
type SubmitProvider struct {
	name       string
	url        string
	authHeader string
	apiKey     string
	client     *http.Client
	confirmer  Confirmer
	*tip
}

func NewSubmitProvider(name, url, authHeader, apiKey string, confirmer Confirmer) *SubmitProvider {
	if authHeader == "" {
		authHeader = "Authorization"
	}
	return &SubmitProvider{
		name:       name,
		url:        strings.TrimSuffix(url, "/"),
		authHeader: authHeader,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 10 * time.Second},
		confirmer:  confirmer,
	}
}

func (p *SubmitProvider) WithTip(account solana.PublicKey, lamports uint64) *SubmitProvider {
	p.tip = &tip{account: account, lamports: lamports}
	return p
}

func (p *SubmitProvider) Name() string {
	return p.name
}

func (p *SubmitProvider) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	encoded, err := ledger.EncodeTransaction(tx)
	if err != nil {
		return solana.Signature{}, err
	}
	body, err := json.Marshal(submitRequest{Tx: encoded})
	if err != nil {
		return solana.Signature{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+submitPath, bytes.NewReader(body))
	if err != nil {
		return solana.Signature{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set(p.authHeader, p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
	}
	var res submitResponse
	_ = json.Unmarshal(raw, &res)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return solana.Signature{}, fmt.Errorf("%w: status %d", ErrProviderUnreachable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		reason := res.Reason
		if reason == "" {
			reason = res.Message
		}
		return solana.Signature{}, fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, reason)
	}

	sig, err := solana.SignatureFromBase58(res.Signature)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: invalid signature in response: %w", ErrProviderRejected, err)
	}
	return sig, nil
}

func (p *SubmitProvider) Simulate(ctx context.Context, tx *solana.Transaction) (ledger.SimulationResult, error) {
	res, err := p.confirmer.SimulateTransaction(ctx, tx)
	return res, classify(err)
}

func (p *SubmitProvider) Confirm(ctx context.Context, sig solana.Signature) error {
	return classify(p.confirmer.WaitForConfirmation(ctx, sig))
}

func (p *SubmitProvider) Health(ctx context.Context) error {
	return p.confirmer.Health(ctx)
}
