// Package oracle aggregates collection floor prices from independent feeds
// into a single valuation the liquidation path can trust. Quotes expire after
// a configured age, and the aggregate is refused outright when the surviving
// feeds disagree beyond a deviation bound.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoFreshQuotes indicates too few unexpired quotes to price the
	// collection.
	ErrNoFreshQuotes = errors.New("oracle: no fresh quotes")
	// ErrPriceDivergence indicates the fresh quotes disagree beyond the
	// deviation bound; the aggregate is withheld rather than guessed.
	ErrPriceDivergence = errors.New("oracle: price divergence")
)

const deviationDivisor = 10_000

// Quote is a single floor-price observation from one feed.
type Quote struct {
	Source     string
	Price      *big.Int
	ObservedAt time.Time
}

// Config bounds quote freshness and cross-feed agreement.
type Config struct {
	// MaxQuoteAge is how long a quote stays usable after observation.
	MaxQuoteAge time.Duration
	// MaxDeviationBps is the largest tolerated distance of any fresh quote
	// from the median, in basis points of the median.
	MaxDeviationBps uint64
	// MinSources is the minimum number of fresh quotes required before an
	// aggregate is produced.
	MinSources int
}

func (c Config) normalized() Config {
	if c.MaxQuoteAge <= 0 {
		c.MaxQuoteAge = 5 * time.Minute
	}
	if c.MaxDeviationBps == 0 {
		c.MaxDeviationBps = 1_000
	}
	if c.MinSources <= 0 {
		c.MinSources = 1
	}
	return c
}

// Oracle keeps the latest quote per (collection, source) and serves the
// median of the fresh ones.
type Oracle struct {
	mu     sync.RWMutex
	cfg    Config
	quotes map[common.Address]map[string]Quote
	nowFn  func() time.Time
}

// New builds an oracle with the supplied bounds. Zero config fields fall
// back to conservative defaults.
func New(cfg Config) *Oracle {
	return &Oracle{
		cfg:    cfg.normalized(),
		quotes: make(map[common.Address]map[string]Quote),
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the clock used for freshness checks.
func (o *Oracle) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	o.mu.Lock()
	o.nowFn = now
	o.mu.Unlock()
}

// Record stores a quote, replacing any earlier quote from the same source
// for the collection. Non-positive prices are rejected.
func (o *Oracle) Record(collection common.Address, source string, price *big.Int, observedAt time.Time) error {
	if source == "" {
		return fmt.Errorf("oracle: source required")
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("oracle: price must be positive")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	bySource, ok := o.quotes[collection]
	if !ok {
		bySource = make(map[string]Quote)
		o.quotes[collection] = bySource
	}
	bySource[source] = Quote{
		Source:     source,
		Price:      new(big.Int).Set(price),
		ObservedAt: observedAt,
	}
	return nil
}

// FloorPrice returns the median of the fresh quotes for the collection. It
// fails with ErrNoFreshQuotes below the source quorum and with
// ErrPriceDivergence when any fresh quote strays from the median by more
// than the deviation bound.
func (o *Oracle) FloorPrice(collection common.Address) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.nowFn().Add(-o.cfg.MaxQuoteAge)
	fresh := make([]*big.Int, 0, len(o.quotes[collection]))
	for _, q := range o.quotes[collection] {
		if q.ObservedAt.Before(cutoff) {
			continue
		}
		fresh = append(fresh, q.Price)
	}
	if len(fresh) < o.cfg.MinSources {
		return nil, fmt.Errorf("%w: %d of %d required for %s", ErrNoFreshQuotes, len(fresh), o.cfg.MinSources, collection.Hex())
	}

	median := medianOf(fresh)
	bound := new(big.Int).Mul(median, new(big.Int).SetUint64(o.cfg.MaxDeviationBps))
	bound.Quo(bound, big.NewInt(deviationDivisor))
	for _, price := range fresh {
		diff := new(big.Int).Sub(price, median)
		if diff.CmpAbs(bound) > 0 {
			return nil, fmt.Errorf("%w: quote %s vs median %s for %s", ErrPriceDivergence, price, median, collection.Hex())
		}
	}
	return median, nil
}

// Quotes returns copies of every stored quote for the collection, fresh or
// not, for diagnostics.
func (o *Oracle) Quotes(collection common.Address) []Quote {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Quote, 0, len(o.quotes[collection]))
	for _, q := range o.quotes[collection] {
		out = append(out, Quote{
			Source:     q.Source,
			Price:      new(big.Int).Set(q.Price),
			ObservedAt: q.ObservedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// medianOf picks the lower-middle element for even counts so the aggregate
// never exceeds a value half the feeds reported.
func medianOf(prices []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	return new(big.Int).Set(sorted[(len(sorted)-1)/2])
}
