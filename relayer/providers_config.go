package relayer

import (
	"fmt"
	"os"
	"strings"

	"github.com/808putnam/qtrade-relayer/ledger"
	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

const apiKeyPlaceholder = "${API_KEY}"

type ProviderConfig struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	API         string `yaml:"api"`
	AuthHeader  string `yaml:"auth_header"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Disabled    bool   `yaml:"disabled"`
	TipAccount  string `yaml:"tip_account"`
	TipLamports uint64 `yaml:"tip_lamports"`
}

// ProvidersConfig is the providers file. Active is the optional default allow-list, empty means all.
type ProvidersConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	Active    []string         `yaml:"active"`
}

func ReadProvidersConfig(file string) (ProvidersConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return ProvidersConfig{}, err
	}
	var config ProvidersConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return ProvidersConfig{}, err
	}
	return config, nil
}

func parseProviderAPI(api string) (ProviderAPI, error) {
	switch api {
	case "", "rpc":
		return ProviderAPIRPC, nil
	case "jito":
		return ProviderAPIJito, nil
	case "submit":
		return ProviderAPISubmit, nil
	default:
		return 0, fmt.Errorf("%w: unknown api %q", ErrInvalidProvider, api)
	}
}

// BuildProviders creates the enabled providers of config. The API key of a provider is read from the env
// variable named in api_key_env and substituted for ${API_KEY} in its url.
func BuildProviders(config ProvidersConfig, confirmer Confirmer) ([]Provider, error) {
	providers := make([]Provider, 0, len(config.Providers))
	seen := make(map[string]struct{}, len(config.Providers))
	for _, pc := range config.Providers {
		if pc.Disabled {
			continue
		}
		if pc.Name == "" || pc.URL == "" {
			return nil, fmt.Errorf("%w: name and url are required", ErrInvalidProvider)
		}
		if _, ok := seen[pc.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, pc.Name)
		}
		seen[pc.Name] = struct{}{}

		api, err := parseProviderAPI(pc.API)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}

		var apiKey string
		if pc.APIKeyEnv != "" {
			apiKey = os.Getenv(pc.APIKeyEnv)
			if apiKey == "" {
				return nil, fmt.Errorf("%w: provider %s: %s is not set", ErrInvalidProvider, pc.Name, pc.APIKeyEnv)
			}
		}
		url := strings.ReplaceAll(pc.URL, apiKeyPlaceholder, apiKey)

		var tipAccount solana.PublicKey
		if pc.TipAccount != "" {
			tipAccount, err = solana.PublicKeyFromBase58(pc.TipAccount)
			if err != nil {
				return nil, fmt.Errorf("%w: provider %s: tip account: %w", ErrInvalidProvider, pc.Name, err)
			}
		}

		switch api {
		case ProviderAPIRPC, ProviderAPIJito:
			var headers map[string]string
			if pc.AuthHeader != "" && apiKey != "" {
				headers = map[string]string{pc.AuthHeader: apiKey}
			}
			if api == ProviderAPIJito && confirmer == nil {
				return nil, fmt.Errorf("%w: provider %s: jito providers need a ledger to confirm", ErrInvalidProvider, pc.Name)
			}
			p := NewJSONRPCProvider(pc.Name, api, ledger.NewClient(url, headers), confirmer)
			if !tipAccount.IsZero() {
				p.WithTip(tipAccount, pc.TipLamports)
			}
			providers = append(providers, p)
		case ProviderAPISubmit:
			if confirmer == nil {
				return nil, fmt.Errorf("%w: provider %s: submit providers need a ledger to confirm", ErrInvalidProvider, pc.Name)
			}
			p := NewSubmitProvider(pc.Name, url, pc.AuthHeader, apiKey, confirmer)
			if !tipAccount.IsZero() {
				p.WithTip(tipAccount, pc.TipLamports)
			}
			providers = append(providers, p)
		}
	}
	return providers, nil
}

// LoadProviders reads the providers file and builds its providers.
func LoadProviders(file string, confirmer Confirmer) ([]Provider, ProvidersConfig, error) {
	config, err := ReadProvidersConfig(file)
	if err != nil {
		return nil, ProvidersConfig{}, err
	}
	providers, err := BuildProviders(config, confirmer)
	if err != nil {
		return nil, ProvidersConfig{}, err
	}
	return providers, config, nil
}

// ParseActiveList splits a comma separated allow-list.
func ParseActiveList(s string) []string {
	var names []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// ResolveActive picks the active list: an explicit override (flag or ACTIVE_PROVIDERS) wins over the
// config file, an empty result activates every provider.
func ResolveActive(override, fromFile []string) []string {
	if len(override) > 0 {
		return override
	}
	return fromFile
}
