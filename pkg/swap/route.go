package swap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/contracts"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

// RouteKind is the AMM family of a detected route
type RouteKind string

const (
	RouteV3 RouteKind = "v3"
	RouteV2 RouteKind = "v2"
)

// DefaultRouteCacheTTL is how long detection results are reused
const DefaultRouteCacheTTL = 5 * time.Minute

// V3FeeTiers are probed in this order
var V3FeeTiers = []uint32{500, 3000, 10000}

// ErrNoRoute is returned when no factory knows a pool or pair for the tokens
var ErrNoRoute = errors.New("no route found")

// RouteInfo describes a V3 pool (with its fee tier) or a V2 pair
type RouteInfo struct {
	Kind    RouteKind      `json:"kind"`
	Address common.Address `json:"address"`
	FeeTier uint32         `json:"feeTier,omitempty"`
}

// RouteDetector probes the AMM factories of a chain for a token pair
type RouteDetector struct {
	clients *chainclient.Factory
	cache   *RouteCache
	logger  logger.Logger
}

// NewRouteDetector creates a route detector, a nil cache disables caching
func NewRouteDetector(clients *chainclient.Factory, cache *RouteCache, log logger.Logger) *RouteDetector {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &RouteDetector{clients: clients, cache: cache, logger: log}
}

// SortTokens orders two tokens by address
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// Detect returns the first V3 pool over the fee tiers, then the V2 pair, that has
// deployed code. Factories that are not configured on the chain are skipped.
func (d *RouteDetector) Detect(ctx context.Context, chain config.ChainKey, tokenA, tokenB common.Address) (*RouteInfo, error) {
	a, b := SortTokens(tokenA, tokenB)
	key := fmt.Sprintf("%s:%s:%s", chain, a.Hex(), b.Hex())
	if d.cache != nil {
		if route, ok := d.cache.Get(key); ok {
			if route == nil {
				return nil, ErrNoRoute
			}
			return route, nil
		}
	}

	r, err := d.clients.Read(ctx, chain)
	if err != nil {
		return nil, err
	}

	route, err := d.probe(ctx, r, a, b)
	if err != nil && !errors.Is(err, ErrNoRoute) {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Set(key, route)
	}
	if route == nil {
		d.logger.DebugWithChain(r.ChainID(), "No route for %s/%s", a.Hex(), b.Hex())
		return nil, ErrNoRoute
	}
	d.logger.DebugWithChain(r.ChainID(), "Route %s/%s: %s %s", a.Hex(), b.Hex(), route.Kind, route.Address.Hex())
	return route, nil
}

func (d *RouteDetector) probe(ctx context.Context, r *chainclient.ReadClient, a, b common.Address) (*RouteInfo, error) {
	factories := r.Chain.Contracts

	if factories.V3Factory != (common.Address{}) {
		v3 := contracts.Bind(factories.V3Factory, contracts.V3Factory, r.Backend)
		for _, fee := range V3FeeTiers {
			pool, err := lookup(ctx, v3, "getPool", a, b, new(big.Int).SetUint64(uint64(fee)))
			if err != nil {
				return nil, err
			}
			if ok, err := hasCode(ctx, r, pool); err != nil {
				return nil, err
			} else if ok {
				return &RouteInfo{Kind: RouteV3, Address: pool, FeeTier: fee}, nil
			}
		}
	}

	if factories.V2Factory != (common.Address{}) {
		v2 := contracts.Bind(factories.V2Factory, contracts.V2Factory, r.Backend)
		pair, err := lookup(ctx, v2, "getPair", a, b)
		if err != nil {
			return nil, err
		}
		if ok, err := hasCode(ctx, r, pair); err != nil {
			return nil, err
		} else if ok {
			return &RouteInfo{Kind: RouteV2, Address: pair}, nil
		}
	}

	return nil, ErrNoRoute
}

func lookup(ctx context.Context, factory *bind.BoundContract, method string, params ...interface{}) (common.Address, error) {
	var out []interface{}
	if err := factory.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return common.Address{}, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// hasCode rejects the zero address and addresses without deployed code
func hasCode(ctx context.Context, r *chainclient.ReadClient, addr common.Address) (bool, error) {
	if addr == (common.Address{}) {
		return false, nil
	}
	code, err := r.Backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get code at %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}
