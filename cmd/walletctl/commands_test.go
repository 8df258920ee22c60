package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/808putnam/qtrade-relayer/jsonrpcserver"
	"github.com/808putnam/qtrade-relayer/keypool"
	"github.com/808putnam/qtrade-relayer/relayer"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelayer struct {
	released []keypool.Lease
	kept     []bool
	active   [][]string
	checked  bool
	origin   string
	lease    keypool.Lease
}

func (f *fakeRelayer) methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		relayer.PoolStatusEndpointName: func(ctx context.Context) (relayer.PoolStatus, error) {
			f.origin = jsonrpcserver.GetOrigin(ctx)
			return relayer.PoolStatus{
				Nonces: map[string]int{"available": 3, "leased": 1},
				Keys: keypool.Stats{Mode: "tiered", Tiers: map[string]keypool.TierStats{
					"disposable": {Available: 4, Leased: 1, Retired: 2},
				}},
				Providers: []relayer.HealthSnapshot{{Name: "helius", Active: true, Score: 0.9}},
			}, nil
		},
		relayer.RebalanceEndpointName: func(ctx context.Context) (keypool.BalanceReport, error) {
			return keypool.BalanceReport{Created: 2, Transfers: 2}, nil
		},
		relayer.AcquireDisposableEndpointName: func(ctx context.Context) (keypool.Lease, error) {
			if f.lease.ID.IsZero() {
				return keypool.Lease{}, relayer.ErrNoDisposableKeyAvailable
			}
			return f.lease, nil
		},
		relayer.ReleaseDisposableEndpointName: func(ctx context.Context, lease keypool.Lease, keep bool) error {
			if lease.Token != f.lease.Token {
				return keypool.ErrLeaseNotHeld
			}
			f.released = append(f.released, lease)
			f.kept = append(f.kept, keep)
			return nil
		},
		relayer.SetActiveProvidersEndpointName: func(ctx context.Context, names []string) ([]string, error) {
			f.active = append(f.active, names)
			if len(names) == 0 {
				return []string{"helius", "jito"}, nil
			}
			return names, nil
		},
		relayer.GetAuditRecordEndpointName: func(ctx context.Context, signature string) (relayer.AuditRecordResponse, error) {
			if signature != "sig-1" {
				return relayer.AuditRecordResponse{}, relayer.ErrAuditRecordNotFound
			}
			return relayer.AuditRecordResponse{Record: relayer.AuditRecord{
				Signature: "sig-1", RequestID: "req-1", Provider: "jito", FeePayer: "payer",
				ExpectedOutcome: 250, MinOutcome: 100, ConfirmedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			}, Pending: true}, nil
		},
		relayer.ProviderHealthEndpointName: func(ctx context.Context, check bool) ([]relayer.HealthSnapshot, error) {
			f.checked = check
			return []relayer.HealthSnapshot{{Name: "jito", LastError: "timeout"}}, nil
		},
	}
}

func run(t *testing.T, fake *fakeRelayer, args ...string) (string, error) {
	t.Helper()
	handler, err := jsonrpcserver.NewHandler(fake.methods())
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--endpoint", srv.URL}, args...))
	err = cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"status", "balance", "acquire", "release", "providers", "audit", "generate"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestStatus(t *testing.T) {
	fake := &fakeRelayer{}
	out, err := run(t, fake, "status")
	require.NoError(t, err)
	require.Contains(t, out, "available              3")
	require.Contains(t, out, "available=4 leased=1 retired=2")
	require.Contains(t, out, "* helius")
	require.Equal(t, "walletctl", fake.origin)

	out, err = run(t, fake, "status", "--format", "json")
	require.NoError(t, err)
	var status relayer.PoolStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Equal(t, 3, status.Nonces["available"])

	_, err = run(t, fake, "status", "--format", "yaml")
	require.Error(t, err)
}

func TestBalance(t *testing.T) {
	out, err := run(t, &fakeRelayer{}, "balance")
	require.NoError(t, err)
	require.Contains(t, out, "created=2 transfers=2")
}

func TestAcquireError(t *testing.T) {
	_, err := run(t, &fakeRelayer{}, "acquire")
	require.Error(t, err)
	require.Contains(t, err.Error(), relayer.ErrNoDisposableKeyAvailable.Error())
}

func TestAcquireAndRelease(t *testing.T) {
	id := solana.NewWallet().PublicKey()
	fake := &fakeRelayer{lease: keypool.Lease{ID: id, Token: "lease-token"}}

	out, err := run(t, fake, "acquire")
	require.NoError(t, err)
	require.Equal(t, id.String()+" lease-token\n", out)

	out, err = run(t, fake, "release", id.String(), "lease-token")
	require.NoError(t, err)
	require.Equal(t, id.String()+" retired\n", out)

	out, err = run(t, fake, "release", id.String(), "lease-token", "--keep")
	require.NoError(t, err)
	require.Equal(t, id.String()+" available\n", out)
	require.Equal(t, []bool{false, true}, fake.kept)
	require.Equal(t, id, fake.released[0].ID)

	_, err = run(t, fake, "release", id.String(), "other-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), keypool.ErrLeaseNotHeld.Error())

	_, err = run(t, fake, "release", id.String())
	require.Error(t, err)

	_, err = run(t, fake, "release", "not-a-key", "lease-token")
	require.Error(t, err)
	require.Len(t, fake.released, 2)
}

func TestProviders(t *testing.T) {
	fake := &fakeRelayer{}

	out, err := run(t, fake, "providers", "--check")
	require.NoError(t, err)
	require.True(t, fake.checked)
	require.Contains(t, out, `last_error="timeout"`)

	out, err = run(t, fake, "providers", "jito", "helius")
	require.NoError(t, err)
	require.Equal(t, "active: jito, helius\n", out)

	out, err = run(t, fake, "providers", "--all")
	require.NoError(t, err)
	require.Equal(t, "active: helius, jito\n", out)
	require.Equal(t, [][]string{{"jito", "helius"}, {}}, fake.active)

	_, err = run(t, fake, "providers", "--all", "jito")
	require.Error(t, err)
}

func TestAudit(t *testing.T) {
	out, err := run(t, &fakeRelayer{}, "audit", "sig-1")
	require.NoError(t, err)
	require.Contains(t, out, "provider:      jito")
	require.Contains(t, out, "expected:      250 (min 100)")
	require.Contains(t, out, "confirmed at:  2026-01-02T03:04:05Z")
	require.Contains(t, out, "not in the audit store yet")

	_, err = run(t, &fakeRelayer{}, "audit", "sig-2")
	require.Error(t, err)
	require.Contains(t, err.Error(), relayer.ErrAuditRecordNotFound.Error())
}

func TestGenerate(t *testing.T) {
	file := filepath.Join(t.TempDir(), "keys.txt")
	out, err := run(t, &fakeRelayer{}, "generate", "-n", "3", "-o", file)
	require.NoError(t, err)

	public := strings.Fields(out)
	require.Len(t, public, 3)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	secrets := strings.Split(strings.TrimSpace(string(data)), ",")
	require.Len(t, secrets, 3)
	for i, s := range secrets {
		key, err := solana.PrivateKeyFromBase58(s)
		require.NoError(t, err)
		require.Equal(t, public[i], key.PublicKey().String())
		// secrets never reach stdout
		require.NotContains(t, out, s)
	}

	// never overwrite an existing key file
	_, err = run(t, &fakeRelayer{}, "generate", "-o", file)
	require.True(t, errors.Is(err, os.ErrExist))
}
