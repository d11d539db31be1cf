package opstack

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
)

// gameSearchLimit bounds the number of games fetched per findLatestGames call
const gameSearchLimit = 100

// ErrOutputRootMismatch is returned when the rebuilt output root differs from the game's root claim
var ErrOutputRootMismatch = errors.New("output root does not match dispute game root claim")

// GameSearchResult is one entry of findLatestGames
type GameSearchResult struct {
	Index     *big.Int
	Metadata  [32]byte
	Timestamp uint64
	RootClaim [32]byte
	ExtraData []byte
}

// Game is a dispute game whose output covers a withdrawal
type Game struct {
	GameSearchResult
	GameType      uint32
	L2BlockNumber *big.Int
}

// OutputRootProof is the preimage of an output root
type OutputRootProof struct {
	Version                  [32]byte
	StateRoot                [32]byte
	MessagePasserStorageRoot [32]byte
	LatestBlockhash          [32]byte
}

// Hash returns keccak256(abi.encode(proof))
func (p OutputRootProof) Hash() common.Hash {
	return crypto.Keccak256Hash(p.Version[:], p.StateRoot[:], p.MessagePasserStorageRoot[:], p.LatestBlockhash[:])
}

// ProveArgs are the arguments of proveWithdrawalTransaction
type ProveArgs struct {
	Withdrawal      WithdrawalTx
	GameIndex       *big.Int
	OutputRootProof OutputRootProof
	WithdrawalProof [][]byte
}

// LatestGame returns the newest game of the respected type covering l2BlockNumber, or nil when none does yet
func (p *Portal) LatestGame(ctx context.Context, l1 *chainclient.ReadClient, l2BlockNumber *big.Int) (*Game, error) {
	opts := &bind.CallOpts{Context: ctx}
	portal := contracts.Bind(p.Address, contracts.OptimismPortal, l1.Backend)
	factory := contracts.Bind(p.GameFactory, contracts.DisputeGameFactory, l1.Backend)

	var out []interface{}
	if err := portal.Call(opts, &out, "respectedGameType"); err != nil {
		return nil, fmt.Errorf("failed to get respected game type: %w", err)
	}
	gameType := *abi.ConvertType(out[0], new(uint32)).(*uint32)

	out = nil
	if err := factory.Call(opts, &out, "gameCount"); err != nil {
		return nil, fmt.Errorf("failed to get game count: %w", err)
	}
	count := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if count.Sign() == 0 {
		return nil, nil
	}

	limit := big.NewInt(gameSearchLimit)
	if count.Cmp(limit) < 0 {
		limit = count
	}
	start := new(big.Int).Sub(count, big.NewInt(1))

	out = nil
	if err := factory.Call(opts, &out, "findLatestGames", gameType, start, limit); err != nil {
		return nil, fmt.Errorf("failed to find latest games: %w", err)
	}
	games := *abi.ConvertType(out[0], new([]GameSearchResult)).(*[]GameSearchResult)

	// newest first
	for _, g := range games {
		if len(g.ExtraData) < 32 {
			continue
		}
		gameBlock := new(big.Int).SetBytes(g.ExtraData[:32])
		if gameBlock.Cmp(l2BlockNumber) >= 0 {
			return &Game{GameSearchResult: g, GameType: gameType, L2BlockNumber: gameBlock}, nil
		}
	}
	return nil, nil
}

// WaitToProve polls the dispute game factory until a game covers l2BlockNumber
func (p *Portal) WaitToProve(ctx context.Context, l1 *chainclient.ReadClient, l2BlockNumber *big.Int, pollEvery time.Duration) (*Game, error) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		game, err := p.LatestGame(ctx, l1, l2BlockNumber)
		if err != nil {
			p.logger.DebugWithChain(l1.ChainID(), "Game lookup failed: %v", err)
		}
		if game != nil {
			p.logger.InfoWithChain(l1.ChainID(), "Dispute game %s covers L2 block %s", game.Index.String(), l2BlockNumber.String())
			return game, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for a dispute game covering L2 block %s: %w", l2BlockNumber.String(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// BuildProveWithdrawal fetches the storage proof of the withdrawal at the game's L2 block
// and checks the rebuilt output root against the game's root claim
func (p *Portal) BuildProveWithdrawal(ctx context.Context, l2 *chainclient.ReadClient, passer *MessagePasser, w Withdrawal, game *Game) (ProveArgs, error) {
	slot := StorageSlot(w.WithdrawalHash)

	proof, err := l2.Backend.GetProof(ctx, passer.Address, []string{slot.Hex()}, game.L2BlockNumber)
	if err != nil {
		return ProveArgs{}, fmt.Errorf("failed to get withdrawal proof: %w", err)
	}
	if len(proof.StorageProof) == 0 {
		return ProveArgs{}, fmt.Errorf("no storage proof returned for slot %s", slot.Hex())
	}

	header, err := l2.Backend.HeaderByNumber(ctx, game.L2BlockNumber)
	if err != nil {
		return ProveArgs{}, fmt.Errorf("failed to get L2 block %s: %w", game.L2BlockNumber.String(), err)
	}

	outputProof := OutputRootProof{
		StateRoot:                header.Root,
		MessagePasserStorageRoot: proof.StorageHash,
		LatestBlockhash:          header.Hash(),
	}
	if outputProof.Hash() != common.Hash(game.RootClaim) {
		return ProveArgs{}, fmt.Errorf("%w: got %s, want %s", ErrOutputRootMismatch, outputProof.Hash().Hex(), common.Hash(game.RootClaim).Hex())
	}

	nodes := make([][]byte, 0, len(proof.StorageProof[0].Proof))
	for _, node := range proof.StorageProof[0].Proof {
		decoded, err := hexutil.Decode(node)
		if err != nil {
			return ProveArgs{}, fmt.Errorf("invalid proof node: %w", err)
		}
		nodes = append(nodes, decoded)
	}

	return ProveArgs{
		Withdrawal:      w.WithdrawalTx,
		GameIndex:       game.Index,
		OutputRootProof: outputProof,
		WithdrawalProof: nodes,
	}, nil
}

// ProveWithdrawal submits proveWithdrawalTransaction on L1
func (p *Portal) ProveWithdrawal(ctx context.Context, l1 *chainclient.WriteClient, args ProveArgs) (common.Hash, error) {
	portal := contracts.Bind(p.Address, contracts.OptimismPortal, l1.Backend)
	return l1.Transact(ctx, portal, nil, "proveWithdrawalTransaction",
		args.Withdrawal, args.GameIndex, args.OutputRootProof, args.WithdrawalProof)
}

// WaitToFinalize polls checkWithdrawal until it stops reverting, meaning the proof
// matured and the game resolved in favour of the root claim
func (p *Portal) WaitToFinalize(ctx context.Context, l1 *chainclient.ReadClient, withdrawalHash common.Hash, proofSubmitter common.Address, pollEvery time.Duration) error {
	portal := contracts.Bind(p.Address, contracts.OptimismPortal, l1.Backend)
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		var out []interface{}
		err := portal.Call(&bind.CallOpts{Context: ctx}, &out, "checkWithdrawal", withdrawalHash, proofSubmitter)
		if err == nil {
			return nil
		}
		p.logger.DebugWithChain(l1.ChainID(), "Withdrawal %s not finalizable yet: %s", withdrawalHash.Hex(), reasonOrError(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting to finalize withdrawal %s: %w", withdrawalHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// IsFinalized reports whether the portal already finalized the withdrawal
func (p *Portal) IsFinalized(ctx context.Context, l1 *chainclient.ReadClient, withdrawalHash common.Hash) (bool, error) {
	portal := contracts.Bind(p.Address, contracts.OptimismPortal, l1.Backend)
	var out []interface{}
	if err := portal.Call(&bind.CallOpts{Context: ctx}, &out, "finalizedWithdrawals", withdrawalHash); err != nil {
		return false, fmt.Errorf("failed to check finalized withdrawal: %w", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// FinalizeWithdrawal submits finalizeWithdrawalTransaction on L1
func (p *Portal) FinalizeWithdrawal(ctx context.Context, l1 *chainclient.WriteClient, w WithdrawalTx) (common.Hash, error) {
	portal := contracts.Bind(p.Address, contracts.OptimismPortal, l1.Backend)
	return l1.Transact(ctx, portal, nil, "finalizeWithdrawalTransaction", w)
}

func reasonOrError(err error) string {
	if reason := chainclient.RevertReason(err); reason != "" {
		return reason
	}
	return err.Error()
}
