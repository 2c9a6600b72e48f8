package usecase

import (
	"sort"

	"WalletPull/internal/domain/models"
	"WalletPull/pkg/config"
)

// ProviderRegistry resolves which providers answer for which chains and
// which expansions their payloads can trigger. Built once from config;
// read-only afterwards.
type ProviderRegistry struct {
	providers []config.Provider
	chains    map[string]map[string]bool // provider -> chain -> supported
	rules     map[string]map[string]string
}

// NewProviderRegistry builds the registry from the configured providers.
func NewProviderRegistry(providers []config.Provider) *ProviderRegistry {
	r := &ProviderRegistry{
		providers: providers,
		chains:    make(map[string]map[string]bool, len(providers)),
		rules:     make(map[string]map[string]string),
	}
	for _, p := range providers {
		cs := make(map[string]bool, len(p.Chains))
		for _, c := range p.Chains {
			cs[c] = true
		}
		r.chains[p.Name] = cs

		if len(p.Expansions) > 0 {
			m := make(map[string]string, len(p.Expansions))
			for _, e := range p.Expansions {
				m[e.Collection] = e.Provider
			}
			r.rules[p.Name] = m
		}
	}
	return r
}

// ResolveUnits enumerates every (provider, chain, account) unit implied by
// the requested chains. Output order is deterministic: provider, chain,
// account ascending.
func (r *ProviderRegistry) ResolveUnits(chains, accounts []string) []models.UnitKey {
	units := make([]models.UnitKey, 0, len(r.providers)*len(chains)*len(accounts))
	for _, p := range r.providers {
		for _, chain := range chains {
			if !r.chains[p.Name][chain] {
				continue
			}
			for _, account := range accounts {
				units = append(units, models.UnitKey{Provider: p.Name, Chain: chain, Account: account})
			}
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].String() < units[j].String() })
	return units
}

// SupportsChain reports whether a provider can answer for a chain.
func (r *ProviderRegistry) SupportsChain(provider, chain string) bool {
	return r.chains[provider][chain]
}

// ExpansionRules returns the collection -> follow-up provider map for a
// scan provider, or nil when it has none.
func (r *ProviderRegistry) ExpansionRules(provider string) map[string]string {
	return r.rules[provider]
}

// ScanProviders lists providers with at least one expansion rule.
func (r *ProviderRegistry) ScanProviders() []string {
	out := make([]string, 0, len(r.rules))
	for p := range r.rules {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
