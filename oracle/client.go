package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const maxFeedResponseBytes = 1 << 16

// floorResponse is the payload shape served by marketplace floor endpoints.
type floorResponse struct {
	FloorPrice string `json:"floor_price"`
	UpdatedAt  int64  `json:"updated_at"`
}

// FeedClient fetches floor prices for collections from one HTTP marketplace
// feed.
type FeedClient struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewFeedClient builds a client for one feed. The name identifies the feed
// as a quote source in the oracle.
func NewFeedClient(name, baseURL string, timeout time.Duration) (*FeedClient, error) {
	if name == "" {
		return nil, fmt.Errorf("oracle: feed name required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("oracle: invalid feed url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FeedClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name reports the source label quotes from this feed carry.
func (f *FeedClient) Name() string { return f.name }

// FloorPrice fetches the current floor price of the collection in wei.
func (f *FeedClient) FloorPrice(ctx context.Context, collection common.Address) (*big.Int, error) {
	endpoint := fmt.Sprintf("%s/collections/%s/floor", f.baseURL, strings.ToLower(collection.Hex()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: fetch %s: %w", f.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle: feed %s returned status %d", f.name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("oracle: read %s response: %w", f.name, err)
	}
	var payload floorResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("oracle: decode %s response: %w", f.name, err)
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(payload.FloorPrice), 10)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: feed %s reported invalid floor price %q", f.name, payload.FloorPrice)
	}
	return price, nil
}

// Poller refreshes oracle quotes for a set of collections from several feeds
// on a fixed interval.
type Poller struct {
	oracle      *Oracle
	feeds       []*FeedClient
	collections []common.Address
	interval    time.Duration
	log         *slog.Logger
}

// NewPoller wires feeds to the oracle. A zero interval defaults to one
// minute.
func NewPoller(o *Oracle, feeds []*FeedClient, collections []common.Address, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		oracle:      o,
		feeds:       feeds,
		collections: collections,
		interval:    interval,
		log:         log,
	}
}

// Run polls until the context is cancelled. A failing feed only logs; the
// oracle's freshness bound retires its stale quotes on its own.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *Poller) refresh(ctx context.Context) {
	for _, collection := range p.collections {
		for _, feed := range p.feeds {
			price, err := feed.FloorPrice(ctx, collection)
			if err != nil {
				p.log.Warn("floor price fetch failed",
					"feed", feed.Name(),
					"collection", collection.Hex(),
					"error", err,
				)
				continue
			}
			if err := p.oracle.Record(collection, feed.Name(), price, time.Now()); err != nil {
				p.log.Warn("floor price rejected",
					"feed", feed.Name(),
					"collection", collection.Hex(),
					"error", err,
				)
				continue
			}
			p.log.Debug("floor price updated",
				"feed", feed.Name(),
				"collection", collection.Hex(),
				"price", price.String(),
			)
		}
	}
}
