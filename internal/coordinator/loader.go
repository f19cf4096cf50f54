package coordinator

import (
	"fmt"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/config"
)

// LoadChainsFromConfig converts configured chains into validated specs keyed
// by name.
func LoadChainsFromConfig(configs []config.ChainConfig, reg *agent.Registry) (map[string]ChainSpec, error) {
	chains := make(map[string]ChainSpec, len(configs))
	for _, cc := range configs {
		if cc.Name == "" {
			return nil, fmt.Errorf("chain has empty name")
		}
		if _, exists := chains[cc.Name]; exists {
			return nil, fmt.Errorf("duplicate chain name: %s", cc.Name)
		}

		spec := ChainSpec{
			Name:          cc.Name,
			Channel:       cc.Channel,
			HaltOnFailure: cc.HaltOnFailure,
			Steps:         make([]Step, len(cc.Steps)),
		}
		for i, sc := range cc.Steps {
			spec.Steps[i] = Step{
				Kind:       sc.Kind,
				Input:      sc.Input,
				MaxRetries: sc.MaxRetries,
			}
		}

		if err := spec.Validate(reg); err != nil {
			return nil, fmt.Errorf("chain %s: %w", cc.Name, err)
		}
		chains[cc.Name] = spec
	}
	return chains, nil
}
