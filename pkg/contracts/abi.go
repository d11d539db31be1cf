// Package contracts holds the ABIs of the contracts the runner calls and thin
// helpers to bind them.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20ABI contains the ERC20 functions used for balances and approvals
const ERC20ABI = `[
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

// WETHABI contains the wrapped native token functions
const WETHABI = `[
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"wad","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// TokenMessengerABI is the CCTP burn entry point
const TokenMessengerABI = `[
	{"type":"function","name":"depositForBurn","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},{"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"}],"outputs":[{"name":"_nonce","type":"uint64"}]}
]`

// MessageTransmitterABI is the CCTP message relay, its MessageSent event carries the attested message
const MessageTransmitterABI = `[
	{"type":"function","name":"receiveMessage","stateMutability":"nonpayable","inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],"outputs":[{"name":"success","type":"bool"}]},
	{"type":"event","name":"MessageSent","anonymous":false,"inputs":[{"name":"message","type":"bytes","indexed":false}]}
]`

// CustomRouterABI is the USDC/native pool router deployed for the testnets
const CustomRouterABI = `[
	{"type":"function","name":"swapUSDCToETH","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"amountOut","type":"uint256"}]},
	{"type":"function","name":"swapETHToUSDC","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"amountOut","type":"uint256"}]}
]`

// V3RouterABI contains the Uniswap V3 single-pool swap
const V3RouterABI = `[
	{"type":"function","name":"exactInputSingle","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
		{"name":"tokenIn","type":"address"},
		{"name":"tokenOut","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"recipient","type":"address"},
		{"name":"deadline","type":"uint256"},
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMinimum","type":"uint256"},
		{"name":"sqrtPriceLimitX96","type":"uint160"}
	]}],"outputs":[{"name":"amountOut","type":"uint256"}]}
]`

// V2FactoryABI is the pair lookup of constant-product factories
const V2FactoryABI = `[
	{"type":"function","name":"getPair","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"}],"outputs":[{"name":"pair","type":"address"}]}
]`

// V3FactoryABI is the pool lookup of concentrated-liquidity factories
const V3FactoryABI = `[
	{"type":"function","name":"getPool","stateMutability":"view","inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"fee","type":"uint24"}],"outputs":[{"name":"pool","type":"address"}]}
]`

// OptimismPortalABI covers deposits, withdrawal proving and finalization on L1
const OptimismPortalABI = `[
	{"type":"function","name":"depositTransaction","stateMutability":"payable","inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"},{"name":"_gasLimit","type":"uint64"},{"name":"_isCreation","type":"bool"},{"name":"_data","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"proveWithdrawalTransaction","stateMutability":"nonpayable","inputs":[
		{"name":"_tx","type":"tuple","components":[{"name":"nonce","type":"uint256"},{"name":"sender","type":"address"},{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"gasLimit","type":"uint256"},{"name":"data","type":"bytes"}]},
		{"name":"_disputeGameIndex","type":"uint256"},
		{"name":"_outputRootProof","type":"tuple","components":[{"name":"version","type":"bytes32"},{"name":"stateRoot","type":"bytes32"},{"name":"messagePasserStorageRoot","type":"bytes32"},{"name":"latestBlockhash","type":"bytes32"}]},
		{"name":"_withdrawalProof","type":"bytes[]"}
	],"outputs":[]},
	{"type":"function","name":"finalizeWithdrawalTransaction","stateMutability":"nonpayable","inputs":[
		{"name":"_tx","type":"tuple","components":[{"name":"nonce","type":"uint256"},{"name":"sender","type":"address"},{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"gasLimit","type":"uint256"},{"name":"data","type":"bytes"}]}
	],"outputs":[]},
	{"type":"function","name":"checkWithdrawal","stateMutability":"view","inputs":[{"name":"_withdrawalHash","type":"bytes32"},{"name":"_proofSubmitter","type":"address"}],"outputs":[]},
	{"type":"function","name":"respectedGameType","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint32"}]},
	{"type":"function","name":"finalizedWithdrawals","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"TransactionDeposited","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"version","type":"uint256","indexed":true},{"name":"opaqueData","type":"bytes","indexed":false}]}
]`

// DisputeGameFactoryABI covers the game lookups needed to prove withdrawals
const DisputeGameFactoryABI = `[
	{"type":"function","name":"gameCount","stateMutability":"view","inputs":[],"outputs":[{"name":"gameCount_","type":"uint256"}]},
	{"type":"function","name":"findLatestGames","stateMutability":"view","inputs":[{"name":"_gameType","type":"uint32"},{"name":"_start","type":"uint256"},{"name":"_n","type":"uint256"}],"outputs":[{"name":"games_","type":"tuple[]","components":[
		{"name":"index","type":"uint256"},
		{"name":"metadata","type":"bytes32"},
		{"name":"timestamp","type":"uint64"},
		{"name":"rootClaim","type":"bytes32"},
		{"name":"extraData","type":"bytes"}
	]}]}
]`

// MessagePasserABI is the L2ToL1MessagePasser predeploy
const MessagePasserABI = `[
	{"type":"function","name":"initiateWithdrawal","stateMutability":"payable","inputs":[{"name":"_target","type":"address"},{"name":"_gasLimit","type":"uint256"},{"name":"_data","type":"bytes"}],"outputs":[]},
	{"type":"event","name":"MessagePassed","anonymous":false,"inputs":[
		{"name":"nonce","type":"uint256","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"target","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false},
		{"name":"gasLimit","type":"uint256","indexed":false},
		{"name":"data","type":"bytes","indexed":false},
		{"name":"withdrawalHash","type":"bytes32","indexed":false}
	]}
]`

// Parsed ABIs
var (
	ERC20              = mustParse("ERC20", ERC20ABI)
	WETH               = mustParse("WETH", WETHABI)
	TokenMessenger     = mustParse("TokenMessenger", TokenMessengerABI)
	MessageTransmitter = mustParse("MessageTransmitter", MessageTransmitterABI)
	CustomRouter       = mustParse("CustomRouter", CustomRouterABI)
	V3Router           = mustParse("V3Router", V3RouterABI)
	V2Factory          = mustParse("V2Factory", V2FactoryABI)
	V3Factory          = mustParse("V3Factory", V3FactoryABI)
	OptimismPortal     = mustParse("OptimismPortal", OptimismPortalABI)
	DisputeGameFactory = mustParse("DisputeGameFactory", DisputeGameFactoryABI)
	MessagePasser      = mustParse("MessagePasser", MessagePasserABI)
)

// MaxUint256 represents the maximum possible uint256 value (2^256 - 1)
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse %s ABI: %v", name, err))
	}
	return parsed
}

// Bind binds a parsed ABI at address to a backend
func Bind(address common.Address, contractABI abi.ABI, backend bind.ContractBackend) *bind.BoundContract {
	return bind.NewBoundContract(address, contractABI, backend, backend, backend)
}
