package swap

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenLow  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokenHigh = common.HexToAddress("0x9000000000000000000000000000000000000009")
	pool3000  = common.HexToAddress("0x0000000000000000000000000000000000003000")
	pair      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type factoryCalls struct {
	getPool int
	getPair int
}

// serveFactories answers getPool with pool for the given fee and getPair with pairAddr
func serveFactories(t *testing.T, d *dex, fee int64, poolAddr, pairAddr common.Address) *factoryCalls {
	calls := &factoryCalls{}
	d.backend.HandleCall(v3Factory, contracts.V3Factory, "getPool", func(args []interface{}) ([]interface{}, error) {
		calls.getPool++
		assert.Equal(t, tokenLow, args[0], "tokens are sorted")
		assert.Equal(t, tokenHigh, args[1])
		if args[2].(*big.Int).Int64() == fee {
			return []interface{}{poolAddr}, nil
		}
		return []interface{}{common.Address{}}, nil
	})
	d.backend.HandleCall(v2Factory, contracts.V2Factory, "getPair", func(args []interface{}) ([]interface{}, error) {
		calls.getPair++
		assert.Equal(t, tokenLow, args[0])
		return []interface{}{pairAddr}, nil
	})
	return calls
}

func TestDetectRoute(t *testing.T) {
	ctx := context.Background()

	t.Run("v3 pool", func(t *testing.T) {
		d := newDex(t, nil)
		d.backend.DeployCode(pool3000)
		calls := serveFactories(t, d, 3000, pool3000, pair)

		route, err := NewRouteDetector(d.factory, nil, nil).Detect(ctx, config.Sepolia, tokenHigh, tokenLow)
		require.NoError(t, err)
		assert.Equal(t, &RouteInfo{Kind: RouteV3, Address: pool3000, FeeTier: 3000}, route)
		assert.Equal(t, 2, calls.getPool, "500 then 3000")
		assert.Equal(t, 0, calls.getPair)
	})

	t.Run("v3 pool without code falls back to v2", func(t *testing.T) {
		d := newDex(t, nil)
		d.backend.DeployCode(pair)
		calls := serveFactories(t, d, 500, pool3000, pair)

		route, err := NewRouteDetector(d.factory, nil, nil).Detect(ctx, config.Sepolia, tokenLow, tokenHigh)
		require.NoError(t, err)
		assert.Equal(t, &RouteInfo{Kind: RouteV2, Address: pair}, route)
		assert.Equal(t, len(V3FeeTiers), calls.getPool)
		assert.Equal(t, 1, calls.getPair)
	})

	t.Run("no route", func(t *testing.T) {
		d := newDex(t, nil)
		serveFactories(t, d, 0, common.Address{}, common.Address{})

		_, err := NewRouteDetector(d.factory, nil, nil).Detect(ctx, config.Sepolia, tokenLow, tokenHigh)
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("unconfigured factories", func(t *testing.T) {
		d := newDex(t, func(c *config.Contracts) {
			c.V2Factory = common.Address{}
			c.V3Factory = common.Address{}
		})

		_, err := NewRouteDetector(d.factory, nil, nil).Detect(ctx, config.Sepolia, tokenLow, tokenHigh)
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("cached", func(t *testing.T) {
		d := newDex(t, nil)
		d.backend.DeployCode(pool3000)
		calls := serveFactories(t, d, 3000, pool3000, pair)
		detector := NewRouteDetector(d.factory, NewRouteCache(time.Minute), nil)

		first, err := detector.Detect(ctx, config.Sepolia, tokenLow, tokenHigh)
		require.NoError(t, err)
		second, err := detector.Detect(ctx, config.Sepolia, tokenHigh, tokenLow)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 2, calls.getPool, "second lookup is served from the cache")
	})

	t.Run("cached miss", func(t *testing.T) {
		d := newDex(t, nil)
		calls := serveFactories(t, d, 0, common.Address{}, common.Address{})
		detector := NewRouteDetector(d.factory, NewRouteCache(time.Minute), nil)

		_, err := detector.Detect(ctx, config.Sepolia, tokenLow, tokenHigh)
		assert.ErrorIs(t, err, ErrNoRoute)
		_, err = detector.Detect(ctx, config.Sepolia, tokenLow, tokenHigh)
		assert.ErrorIs(t, err, ErrNoRoute)
		assert.Equal(t, 1, calls.getPair)
	})
}

func TestSortTokens(t *testing.T) {
	a, b := SortTokens(tokenHigh, tokenLow)
	assert.Equal(t, tokenLow, a)
	assert.Equal(t, tokenHigh, b)

	a, b = SortTokens(tokenLow, tokenHigh)
	assert.Equal(t, tokenLow, a)
	assert.Equal(t, tokenHigh, b)
}

func TestRouteCache(t *testing.T) {
	route := &RouteInfo{Kind: RouteV2, Address: pair}

	t.Run("Set and Get", func(t *testing.T) {
		cache := NewRouteCache(time.Second)
		cache.Set("sepolia:a:b", route)

		got, found := cache.Get("sepolia:a:b")
		assert.True(t, found)
		assert.Equal(t, route, got)

		_, found = cache.Get("nonexistent")
		assert.False(t, found)
	})

	t.Run("TTL expiration", func(t *testing.T) {
		cache := NewRouteCache(10 * time.Millisecond)
		cache.Set("sepolia:a:b", route)

		_, found := cache.Get("sepolia:a:b")
		assert.True(t, found)

		// Wait for TTL to expire
		time.Sleep(20 * time.Millisecond)

		_, found = cache.Get("sepolia:a:b")
		assert.False(t, found)
	})

	t.Run("Clear", func(t *testing.T) {
		cache := NewRouteCache(time.Second)
		cache.Set("a", route)
		cache.Set("b", nil)

		entries, ttl := cache.Stats()
		assert.Equal(t, 2, entries)
		assert.Equal(t, time.Second, ttl)

		cache.Clear()
		entries, _ = cache.Stats()
		assert.Equal(t, 0, entries)
	})
}
