package opstack

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient/chaintest"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	portalAddress  = common.HexToAddress(config.GiwaPortalAddress)
	factoryAddress = common.HexToAddress(config.GiwaDisputeGameFactoryAddress)
	recipient      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func readClient(b *chaintest.Backend, chainID int) *chainclient.ReadClient {
	return chainclient.NewReadClient(config.ChainEndpoint{ChainID: chainID, Name: "test"}, "http://test", b, time.Millisecond, nil)
}

func writeClient(t *testing.T, b *chaintest.Backend, key config.ChainKey, chainID int) *chainclient.WriteClient {
	t.Helper()
	chains := map[config.ChainKey]config.ChainEndpoint{
		key: {Key: key, ChainID: chainID, Name: string(key), RPCURL: "http://" + string(key)},
	}
	f, err := chainclient.NewFactory(chains, chaintest.TestKeyHex,
		chainclient.WithPollInterval(time.Millisecond),
		chainclient.WithDialer(func(context.Context, string) (chainclient.Backend, error) { return b, nil }),
	)
	require.NoError(t, err)
	w, err := f.Write(context.Background(), key, common.Address{})
	require.NoError(t, err)
	return w
}

// depositLog is the TransactionDeposited log the portal emits for args
func depositLog(from common.Address, args DepositArgs) *types.Log {
	event := contracts.OptimismPortal.Events["TransactionDeposited"]
	data, _ := event.Inputs.NonIndexed().Pack(args.OpaqueData())
	return &types.Log{
		Address: portalAddress,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(args.To.Bytes()),
			{},
		},
		Data: data,
	}
}

func TestBuildDepositTransaction(t *testing.T) {
	ctx := context.Background()
	l2 := chaintest.NewBackend(config.GiwaChainID)
	portal := NewPortal(portalAddress, factoryAddress, nil)
	mint := big.NewInt(1e15)

	t.Run("gas floor", func(t *testing.T) {
		l2.SetEstimateGas(func(ethereum.CallMsg) (uint64, error) { return 100, nil })
		args, err := portal.BuildDepositTransaction(ctx, readClient(l2, config.GiwaChainID), chaintest.TestAccount, recipient, mint)
		require.NoError(t, err)
		assert.Equal(t, uint64(MinGasLimit), args.GasLimit)
		assert.Equal(t, recipient, args.To)
		assert.Equal(t, 0, args.Mint.Cmp(mint))
		assert.Equal(t, 0, args.Value.Cmp(mint))
		assert.False(t, args.IsCreation)
	})

	t.Run("estimated gas", func(t *testing.T) {
		var seen ethereum.CallMsg
		l2.SetEstimateGas(func(msg ethereum.CallMsg) (uint64, error) {
			seen = msg
			return 45000, nil
		})
		args, err := portal.BuildDepositTransaction(ctx, readClient(l2, config.GiwaChainID), chaintest.TestAccount, recipient, mint)
		require.NoError(t, err)
		assert.Equal(t, uint64(45000), args.GasLimit)
		assert.Equal(t, chaintest.TestAccount, seen.From)
		assert.Nil(t, seen.Value)
	})

	t.Run("estimate failure", func(t *testing.T) {
		l2.SetEstimateGas(func(ethereum.CallMsg) (uint64, error) { return 0, errors.New("boom") })
		_, err := portal.BuildDepositTransaction(ctx, readClient(l2, config.GiwaChainID), chaintest.TestAccount, recipient, mint)
		assert.Error(t, err)
	})
}

func TestDepositTransactionAndL2Hash(t *testing.T) {
	ctx := context.Background()
	l1 := chaintest.NewBackend(config.SepoliaChainID)
	l1.SetBalance(chaintest.TestAccount, big.NewInt(1e18))
	portal := NewPortal(portalAddress, factoryAddress, nil)

	args := DepositArgs{To: recipient, Mint: big.NewInt(1e15), Value: big.NewInt(1e15), GasLimit: 21000, Data: []byte{}}

	l1.HandleTransact(portalAddress, contracts.OptimismPortal, "depositTransaction", func(tx chaintest.SentTx) chaintest.Outcome {
		return chaintest.Outcome{Logs: []*types.Log{depositLog(tx.From, args)}}
	})

	w := writeClient(t, l1, config.Sepolia, config.SepoliaChainID)
	txHash, err := portal.DepositTransaction(ctx, w, args)
	require.NoError(t, err)

	sent := l1.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "depositTransaction", sent[0].Method)
	assert.Equal(t, 0, sent[0].Tx.Value().Cmp(args.Mint))
	assert.Equal(t, recipient, sent[0].Args[0])
	assert.Equal(t, uint64(21000), sent[0].Args[2])

	receipt, err := w.WaitSuccess(ctx, txHash)
	require.NoError(t, err)

	deposits, err := portal.DepositsFromReceipt(receipt)
	require.NoError(t, err)
	require.Len(t, deposits, 1)

	d := deposits[0]
	assert.Equal(t, chaintest.TestAccount, d.From)
	assert.Equal(t, recipient, d.To)
	assert.Equal(t, 0, d.Mint.Cmp(args.Mint))
	assert.Equal(t, 0, d.Value.Cmp(args.Value))
	assert.Equal(t, uint64(21000), d.GasLimit)

	// source hash: keccak256(bytes32(0) ++ keccak256(blockHash ++ bytes32(logIndex)))
	wantSource := crypto.Keccak256Hash(make([]byte, 32), crypto.Keccak256(receipt.BlockHash.Bytes(), make([]byte, 32)))
	assert.Equal(t, wantSource, d.SourceHash)

	encoded, err := rlp.EncodeToBytes([]interface{}{
		wantSource, chaintest.TestAccount, recipient, args.Mint, args.Value, uint64(21000), false, []byte{},
	})
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash([]byte{DepositTxType}, encoded), d.L2TxHash)

	hashes, err := portal.L2TransactionHashes(receipt)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{d.L2TxHash}, hashes)
}

func TestDepositsFromReceiptWithoutEvent(t *testing.T) {
	portal := NewPortal(portalAddress, factoryAddress, nil)
	other := depositLog(chaintest.TestAccount, DepositArgs{To: recipient, Mint: big.NewInt(1), Value: big.NewInt(1), GasLimit: 21000})
	other.Address = common.HexToAddress("0x01")

	_, err := portal.L2TransactionHashes(&types.Receipt{Logs: []*types.Log{other}})
	assert.ErrorIs(t, err, ErrDepositEventNotFound)
}

func TestOpaqueDataRoundTrip(t *testing.T) {
	args := DepositArgs{Mint: big.NewInt(7), Value: big.NewInt(9), GasLimit: 123456, IsCreation: true, Data: []byte{0xca, 0xfe}}
	opaque := args.OpaqueData()
	assert.Len(t, opaque, 75)

	parsed, err := parseOpaqueData(opaque)
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Mint.Cmp(args.Mint))
	assert.Equal(t, 0, parsed.Value.Cmp(args.Value))
	assert.Equal(t, args.GasLimit, parsed.GasLimit)
	assert.True(t, parsed.IsCreation)
	assert.Equal(t, args.Data, parsed.Data)

	_, err = parseOpaqueData(opaque[:72])
	assert.Error(t, err)
}

// messagePassedLog is the MessagePassed log the message passer emits for w
func messagePassedLog(w WithdrawalTx, hash common.Hash) *types.Log {
	event := contracts.MessagePasser.Events["MessagePassed"]
	data, _ := event.Inputs.NonIndexed().Pack(w.Value, w.GasLimit, w.Data, hash)
	return &types.Log{
		Address: MessagePasserAddress,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(w.Nonce),
			common.BytesToHash(w.Sender.Bytes()),
			common.BytesToHash(w.Target.Bytes()),
		},
		Data: data,
	}
}

func testWithdrawal() WithdrawalTx {
	nonce, _ := new(big.Int).SetString("1766847064778384329583297500742918515827483896875618958121606201292619778", 10)
	return WithdrawalTx{
		Nonce:    nonce,
		Sender:   chaintest.TestAccount,
		Target:   chaintest.TestAccount,
		Value:    big.NewInt(1e15),
		GasLimit: big.NewInt(21000),
		Data:     []byte{},
	}
}

func TestInitiateWithdrawal(t *testing.T) {
	ctx := context.Background()
	l1 := chaintest.NewBackend(config.SepoliaChainID)
	l2 := chaintest.NewBackend(config.GiwaChainID)
	l2.SetBalance(chaintest.TestAccount, big.NewInt(1e18))
	passer := NewMessagePasser(common.Address{})
	assert.Equal(t, MessagePasserAddress, passer.Address)

	args, err := passer.BuildInitiateWithdrawal(ctx, readClient(l1, config.SepoliaChainID), chaintest.TestAccount, chaintest.TestAccount, big.NewInt(1e15))
	require.NoError(t, err)
	assert.Equal(t, 0, args.GasLimit.Cmp(big.NewInt(100000)))

	wtx := testWithdrawal()
	wantHash, err := HashWithdrawal(wtx)
	require.NoError(t, err)

	l2.HandleTransact(MessagePasserAddress, contracts.MessagePasser, "initiateWithdrawal", func(tx chaintest.SentTx) chaintest.Outcome {
		return chaintest.Outcome{Logs: []*types.Log{messagePassedLog(wtx, wantHash)}}
	})

	w := writeClient(t, l2, config.Giwa, config.GiwaChainID)
	txHash, err := passer.InitiateWithdrawal(ctx, w, args)
	require.NoError(t, err)
	assert.Equal(t, 0, l2.Sent()[0].Tx.Value().Cmp(big.NewInt(1e15)))

	receipt, err := w.WaitSuccess(ctx, txHash)
	require.NoError(t, err)

	withdrawals, err := passer.WithdrawalsFromReceipt(receipt)
	require.NoError(t, err)
	require.Len(t, withdrawals, 1)
	got := withdrawals[0]
	assert.Equal(t, wantHash, got.WithdrawalHash)
	assert.Equal(t, 0, got.Nonce.Cmp(wtx.Nonce))
	assert.Equal(t, wtx.Sender, got.Sender)
	assert.Equal(t, 0, got.Value.Cmp(wtx.Value))
	assert.Equal(t, receipt.BlockNumber, got.L2BlockNumber)

	rehash, err := HashWithdrawal(got.WithdrawalTx)
	require.NoError(t, err)
	assert.Equal(t, got.WithdrawalHash, rehash)

	_, err = passer.WithdrawalsFromReceipt(&types.Receipt{})
	assert.ErrorIs(t, err, ErrWithdrawalEventNotFound)
}

// gameExtraData encodes an L2 block number the way fault dispute games do
func gameExtraData(block int64) []byte {
	return common.LeftPadBytes(big.NewInt(block).Bytes(), 32)
}

func handleGames(l1 *chaintest.Backend, games func() []GameSearchResult) {
	l1.HandleCall(portalAddress, contracts.OptimismPortal, "respectedGameType", func([]interface{}) ([]interface{}, error) {
		return []interface{}{uint32(1)}, nil
	})
	l1.HandleCall(factoryAddress, contracts.DisputeGameFactory, "gameCount", func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(int64(len(games())))}, nil
	})
	l1.HandleCall(factoryAddress, contracts.DisputeGameFactory, "findLatestGames", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{games()}, nil
	})
}

func TestWaitToProve(t *testing.T) {
	l1 := chaintest.NewBackend(config.SepoliaChainID)
	portal := NewPortal(portalAddress, factoryAddress, nil)

	polls := 0
	handleGames(l1, func() []GameSearchResult {
		polls++
		if polls < 3 {
			return []GameSearchResult{{Index: big.NewInt(0), ExtraData: gameExtraData(50)}}
		}
		return []GameSearchResult{
			{Index: big.NewInt(1), ExtraData: gameExtraData(250)},
			{Index: big.NewInt(0), ExtraData: gameExtraData(50)},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	game, err := portal.WaitToProve(ctx, readClient(l1, config.SepoliaChainID), big.NewInt(200), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, game.Index.Cmp(big.NewInt(1)))
	assert.Equal(t, 0, game.L2BlockNumber.Cmp(big.NewInt(250)))
	assert.Equal(t, uint32(1), game.GameType)
}

func TestWaitToProveHonoursContext(t *testing.T) {
	l1 := chaintest.NewBackend(config.SepoliaChainID)
	portal := NewPortal(portalAddress, factoryAddress, nil)
	handleGames(l1, func() []GameSearchResult { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := portal.WaitToProve(ctx, readClient(l1, config.SepoliaChainID), big.NewInt(200), time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildAndSubmitProve(t *testing.T) {
	ctx := context.Background()
	l1 := chaintest.NewBackend(config.SepoliaChainID)
	l1.SetBalance(chaintest.TestAccount, big.NewInt(1e18))
	l2 := chaintest.NewBackend(config.GiwaChainID)
	portal := NewPortal(portalAddress, factoryAddress, nil)
	passer := NewMessagePasser(common.Address{})

	wtx := testWithdrawal()
	hash, err := HashWithdrawal(wtx)
	require.NoError(t, err)
	withdrawal := Withdrawal{WithdrawalTx: wtx, WithdrawalHash: hash, L2BlockNumber: big.NewInt(200)}

	header := &types.Header{Number: big.NewInt(250), Root: common.HexToHash("0xaa")}
	l2.SetHeader(250, header)
	storageHash := common.HexToHash("0xbb")
	l2.SetProof(MessagePasserAddress, &gethclient.AccountResult{
		Address:     MessagePasserAddress,
		StorageHash: storageHash,
		StorageProof: []gethclient.StorageResult{{
			Key:   StorageSlot(hash).Hex(),
			Value: big.NewInt(1),
			Proof: []string{"0xdead", "0xbeef"},
		}},
	})

	root := OutputRootProof{StateRoot: header.Root, MessagePasserStorageRoot: storageHash, LatestBlockhash: header.Hash()}.Hash()
	game := &Game{GameSearchResult: GameSearchResult{Index: big.NewInt(4), RootClaim: root}, L2BlockNumber: big.NewInt(250)}

	args, err := portal.BuildProveWithdrawal(ctx, readClient(l2, config.GiwaChainID), passer, withdrawal, game)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{hexutil.MustDecode("0xdead"), hexutil.MustDecode("0xbeef")}, args.WithdrawalProof)
	assert.Equal(t, [32]byte(header.Hash()), args.OutputRootProof.LatestBlockhash)
	assert.Equal(t, 0, args.GameIndex.Cmp(big.NewInt(4)))

	var proved int
	l1.HandleTransact(portalAddress, contracts.OptimismPortal, "proveWithdrawalTransaction", func(tx chaintest.SentTx) chaintest.Outcome {
		proved++
		return chaintest.Outcome{}
	})
	w := writeClient(t, l1, config.Sepolia, config.SepoliaChainID)
	txHash, err := portal.ProveWithdrawal(ctx, w, args)
	require.NoError(t, err)
	_, err = w.WaitSuccess(ctx, txHash)
	require.NoError(t, err)
	assert.Equal(t, 1, proved)

	t.Run("root claim mismatch", func(t *testing.T) {
		bad := *game
		bad.RootClaim = [32]byte{1}
		_, err := portal.BuildProveWithdrawal(ctx, readClient(l2, config.GiwaChainID), passer, withdrawal, &bad)
		assert.ErrorIs(t, err, ErrOutputRootMismatch)
	})
}

func TestWaitToFinalizeAndFinalize(t *testing.T) {
	ctx := context.Background()
	l1 := chaintest.NewBackend(config.SepoliaChainID)
	l1.SetBalance(chaintest.TestAccount, big.NewInt(1e18))
	portal := NewPortal(portalAddress, factoryAddress, nil)

	checks := 0
	l1.HandleCall(portalAddress, contracts.OptimismPortal, "checkWithdrawal", func(args []interface{}) ([]interface{}, error) {
		checks++
		if checks < 3 {
			return nil, chaintest.Revert("OptimismPortal: proven withdrawal has not matured yet")
		}
		return []interface{}{}, nil
	})
	finalized := false
	l1.HandleCall(portalAddress, contracts.OptimismPortal, "finalizedWithdrawals", func([]interface{}) ([]interface{}, error) {
		return []interface{}{finalized}, nil
	})
	l1.HandleTransact(portalAddress, contracts.OptimismPortal, "finalizeWithdrawalTransaction", func(chaintest.SentTx) chaintest.Outcome {
		finalized = true
		return chaintest.Outcome{}
	})

	hash := common.HexToHash("0x1234")
	require.NoError(t, portal.WaitToFinalize(ctx, readClient(l1, config.SepoliaChainID), hash, chaintest.TestAccount, time.Millisecond))
	assert.Equal(t, 3, checks)

	w := writeClient(t, l1, config.Sepolia, config.SepoliaChainID)
	done, err := portal.IsFinalized(ctx, w.ReadClient, hash)
	require.NoError(t, err)
	assert.False(t, done)

	txHash, err := portal.FinalizeWithdrawal(ctx, w, testWithdrawal())
	require.NoError(t, err)
	_, err = w.WaitSuccess(ctx, txHash)
	require.NoError(t, err)

	done, err = portal.IsFinalized(ctx, w.ReadClient, hash)
	require.NoError(t, err)
	assert.True(t, done)
}
