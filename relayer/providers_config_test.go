package relayer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/808putnam/qtrade-relayer/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func writeProvidersFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestLoadProviders(t *testing.T) {
	tipAccount := solana.NewWallet().PublicKey()
	t.Setenv("TEST_HELIUS_KEY", "helius-secret")
	t.Setenv("TEST_SUBMIT_KEY", "submit-secret")

	file := writeProvidersFile(t, `
providers:
  - name: solana
    url: https://api.mainnet-beta.solana.com
  - name: helius
    url: https://mainnet.helius-rpc.com/?api-key=${API_KEY}
    api: rpc
    api_key_env: TEST_HELIUS_KEY
  - name: jito
    url: https://mainnet.block-engine.jito.wtf/api/v1/transactions
    api: jito
    tip_account: `+tipAccount.String()+`
    tip_lamports: 10000
  - name: bloxroute
    url: https://ny.solana.dex.blxrbdn.com
    api: submit
    auth_header: Authorization
    api_key_env: TEST_SUBMIT_KEY
  - name: old
    url: https://old.example.com
    disabled: true
active: [jito, helius]
`)

	confirmer := ledger.NewClient("http://localhost:8899", nil)
	providers, cfg, err := LoadProviders(file, confirmer)
	require.NoError(t, err)
	require.Equal(t, []string{"jito", "helius"}, cfg.Active)

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	require.Equal(t, []string{"solana", "helius", "jito", "bloxroute"}, names)

	jito, ok := providers[2].(*JSONRPCProvider)
	require.True(t, ok)
	require.Equal(t, ProviderAPIJito, jito.api)
	account, lamports, ok := jito.Tip()
	require.True(t, ok)
	require.Equal(t, tipAccount, account)
	require.Equal(t, uint64(10000), lamports)

	submit, ok := providers[3].(*SubmitProvider)
	require.True(t, ok)
	require.Equal(t, "submit-secret", submit.apiKey)
	require.Equal(t, "Authorization", submit.authHeader)
}

func TestBuildProviders_Errors(t *testing.T) {
	confirmer := ledger.NewClient("http://localhost:8899", nil)
	tests := map[string]struct {
		config  ProvidersConfig
		wantErr error
	}{
		"duplicate name": {
			config: ProvidersConfig{Providers: []ProviderConfig{
				{Name: "a", URL: "http://a"},
				{Name: "a", URL: "http://b"},
			}},
			wantErr: ErrDuplicateProvider,
		},
		"unknown api": {
			config:  ProvidersConfig{Providers: []ProviderConfig{{Name: "a", URL: "http://a", API: "grpc"}}},
			wantErr: ErrInvalidProvider,
		},
		"missing url": {
			config:  ProvidersConfig{Providers: []ProviderConfig{{Name: "a"}}},
			wantErr: ErrInvalidProvider,
		},
		"missing api key": {
			config:  ProvidersConfig{Providers: []ProviderConfig{{Name: "a", URL: "http://a", APIKeyEnv: "TEST_UNSET_PROVIDER_KEY"}}},
			wantErr: ErrInvalidProvider,
		},
		"bad tip account": {
			config:  ProvidersConfig{Providers: []ProviderConfig{{Name: "a", URL: "http://a", TipAccount: "xyz"}}},
			wantErr: ErrInvalidProvider,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := BuildProviders(tt.config, confirmer)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := BuildProviders(ProvidersConfig{Providers: []ProviderConfig{{Name: "s", URL: "http://s", API: "submit"}}}, nil)
	require.ErrorIs(t, err, ErrInvalidProvider)
}

func TestParseActiveList(t *testing.T) {
	require.Nil(t, ParseActiveList(""))
	require.Equal(t, []string{"a", "b"}, ParseActiveList(" a, ,b "))
}

func TestResolveActive(t *testing.T) {
	tests := map[string]struct {
		override []string
		fromFile []string
		want     []string
	}{
		"override wins":      {override: []string{"jito"}, fromFile: []string{"helius"}, want: []string{"jito"}},
		"file without flag":  {fromFile: []string{"helius"}, want: []string{"helius"}},
		"nothing configured": {want: nil},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.want, ResolveActive(tt.override, tt.fromFile))
		})
	}
}
