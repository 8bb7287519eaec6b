package lending

import (
	"fmt"
	"math/big"

	"github.com/BurntSushi/toml"
)

// Params captures the operator-tunable limits for the lending module.
type Params struct {
	// InitialRateBps seeds the daily interest rate applied to new loans
	// until the administrator changes it.
	InitialRateBps uint64 `toml:"InitialRateBps"`
	// MaxRateBps bounds SetInterestRate. Zero disables the cap.
	MaxRateBps uint64 `toml:"MaxRateBps"`
	// MinPrincipalWei rejects dust loans below the threshold. Nil or zero
	// disables the floor.
	MinPrincipalWei *big.Int `toml:"MinPrincipalWei"`
	// AdvanceRateBps is the share of the collection floor price the
	// approval watcher offers as principal, in basis points.
	AdvanceRateBps uint64 `toml:"AdvanceRateBps"`
}

// Clone returns a deep copy of the parameter set.
func (p Params) Clone() Params {
	clone := p
	if p.MinPrincipalWei != nil {
		clone.MinPrincipalWei = new(big.Int).Set(p.MinPrincipalWei)
	}
	return clone
}

// EnsureDefaults populates nil amount fields so encoding is safe.
func (p *Params) EnsureDefaults() {
	if p.MinPrincipalWei == nil {
		p.MinPrincipalWei = big.NewInt(0)
	}
	if p.AdvanceRateBps == 0 {
		p.AdvanceRateBps = 5_000
	}
}

// LoadParams reads the module parameter file from disk.
func LoadParams(path string) (Params, error) {
	var params Params
	if path == "" {
		params.EnsureDefaults()
		return params, nil
	}
	if _, err := toml.DecodeFile(path, &params); err != nil {
		return Params{}, fmt.Errorf("decode lending params: %w", err)
	}
	if params.AdvanceRateBps > 10_000 {
		return Params{}, fmt.Errorf("lending params: advance rate exceeds 100%%")
	}
	if params.MaxRateBps > 0 && params.InitialRateBps > params.MaxRateBps {
		return Params{}, fmt.Errorf("lending params: initial rate above cap")
	}
	params.EnsureDefaults()
	return params, nil
}
