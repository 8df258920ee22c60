package relayer

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

type Status string

const (
	StatusConfirmed Status = "Confirmed"
	StatusTimedOut  Status = "TimedOut"
	StatusAllFailed Status = "AllFailed"
	StatusSimulated Status = "Simulated"
)

type AccountMeta struct {
	PublicKey  solana.PublicKey `json:"pubkey"`
	IsSigner   bool             `json:"isSigner"`
	IsWritable bool             `json:"isWritable"`
}

// Instruction is an opaque instruction of a submission request. Data is base64 in JSON.
type Instruction struct {
	ProgramID solana.PublicKey `json:"programId"`
	Accounts  []AccountMeta    `json:"accounts"`
	Data      []byte           `json:"data"`
}

// build converts the instruction, replacing the placeholder account with the fee payer.
func (i Instruction) build(placeholder *solana.PublicKey, payer solana.PublicKey) solana.Instruction {
	accounts := make(solana.AccountMetaSlice, 0, len(i.Accounts))
	for _, a := range i.Accounts {
		key := a.PublicKey
		if placeholder != nil && key.Equals(*placeholder) {
			key = payer
		}
		accounts = append(accounts, solana.NewAccountMeta(key, a.IsWritable, a.IsSigner))
	}
	return solana.NewInstruction(i.ProgramID, accounts, i.Data)
}

type SubmissionRequest struct {
	RequestID       string        `json:"requestId"`
	Instructions    []Instruction `json:"instructions"`
	MinOutcome      int64         `json:"minOutcome"`
	ExpectedOutcome int64         `json:"expectedOutcome"`
	// SignerPlaceholder is replaced by the leased disposable key in every instruction.
	SignerPlaceholder *solana.PublicKey `json:"signerPlaceholder,omitempty"`
}

func (r *SubmissionRequest) Validate() error {
	if len(r.Instructions) == 0 {
		return fmt.Errorf("%w: no instructions", ErrInvalidRequest)
	}
	for idx, ix := range r.Instructions {
		if ix.ProgramID.IsZero() {
			return fmt.Errorf("%w: instruction %d has no program id", ErrInvalidRequest, idx)
		}
	}
	if len(r.RequestID) > 255 {
		return fmt.Errorf("%w: request id is too long", ErrInvalidRequest)
	}
	return nil
}

type SimulationReport struct {
	Provider      string   `json:"provider"`
	Success       bool     `json:"success"`
	Error         string   `json:"error,omitempty"`
	Logs          []string `json:"logs,omitempty"`
	UnitsConsumed *uint64  `json:"unitsConsumed,omitempty"`
}

// SubmissionOutcome is immutable once returned by the orchestrator.
type SubmissionOutcome struct {
	RequestID       string     `json:"requestId"`
	Status          Status     `json:"status"`
	WinningProvider string     `json:"winningProvider,omitempty"`
	Signature       string     `json:"signature,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	FeePayer        string     `json:"feePayer,omitempty"`
	NonceAccount    string     `json:"nonceAccount,omitempty"`
	// AuditPending is set when the audit record is still waiting for the store.
	AuditPending bool `json:"auditPending,omitempty"`

	ProviderErrors map[string]string  `json:"providerErrors,omitempty"`
	Simulations    []SimulationReport `json:"simulations,omitempty"`
}
