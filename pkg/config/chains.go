package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChainKey identifies one of the chains the runner talks to
type ChainKey string

const (
	Sepolia     ChainKey = "sepolia"
	Giwa        ChainKey = "giwa"
	BaseSepolia ChainKey = "base"
	Irys        ChainKey = "irys"
)

// Contracts holds the contract addresses deployed on a chain.
// A zero address means the contract is not available on that chain.
type Contracts struct {
	BridgePortal       common.Address
	DisputeGameFactory common.Address
	L1StandardBridge   common.Address
	MessagePasser      common.Address
	TokenMessenger     common.Address
	MessageTransmitter common.Address
	Router             common.Address
	V3Router           common.Address
	V2Factory          common.Address
	V3Factory          common.Address
	USDC               common.Address
	WETH               common.Address
}

// ChainEndpoint is the immutable definition of a chain for a session
type ChainEndpoint struct {
	Key            ChainKey
	ChainID        int
	Name           string
	RPCURL         string
	FallbackRPCURL string
	NativeSymbol   string
	CCTPDomain     uint32
	Contracts      Contracts
}

// HasFallback returns true if a distinct fallback RPC URL is configured
func (c ChainEndpoint) HasFallback() bool {
	return c.FallbackRPCURL != "" && c.FallbackRPCURL != c.RPCURL
}

// chainNames maps chain IDs to their display names
var chainNames = map[int]string{
	SepoliaChainID:     "Sepolia",
	GiwaChainID:        "GIWA Sepolia",
	BaseSepoliaChainID: "Base Sepolia",
	IrysChainID:        "Irys Testnet",
}

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID int) string {
	name, exists := chainNames[chainID]
	if !exists {
		return fmt.Sprintf("Chain %d", chainID)
	}
	return name
}

// ParseChainKey converts user input into a known chain key
func ParseChainKey(s string) (ChainKey, error) {
	switch ChainKey(strings.ToLower(strings.TrimSpace(s))) {
	case Sepolia:
		return Sepolia, nil
	case Giwa:
		return Giwa, nil
	case BaseSepolia, "base-sepolia", "basesepolia":
		return BaseSepolia, nil
	case Irys:
		return Irys, nil
	}
	return "", fmt.Errorf("unknown chain: %q", s)
}

// SortedKeys returns the chain keys of the map in a stable order
func SortedKeys(chains map[ChainKey]ChainEndpoint) []ChainKey {
	keys := make([]ChainKey, 0, len(chains))
	for k := range chains {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
