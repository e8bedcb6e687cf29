package address

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// ParamsForNetwork returns the chain parameters for the named network. Both
// the btcd names ("testnet3", "mainnet") and the short names used in config
// files ("testnet", "bitcoin") are understood.
func ParamsForNetwork(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "bitcoin", chaincfg.MainNetParams.Name:
		return &chaincfg.MainNetParams, nil

	case "testnet", chaincfg.TestNet3Params.Name:
		return &chaincfg.TestNet3Params, nil

	case "regtest", chaincfg.RegressionNetParams.Name:
		return &chaincfg.RegressionNetParams, nil

	case chaincfg.SigNetParams.Name:
		return &chaincfg.SigNetParams, nil

	case chaincfg.SimNetParams.Name:
		return &chaincfg.SimNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network: %v", network)
	}
}
