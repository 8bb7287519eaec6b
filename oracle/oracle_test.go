package oracle

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var testCollection = common.Address{0xC1}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestFloorPriceMedianOfFreshQuotes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(Config{MaxQuoteAge: time.Minute, MaxDeviationBps: 2_000, MinSources: 3})
	o.SetNowFunc(fixedClock(now))

	for _, q := range []struct {
		source string
		price  int64
	}{
		{"feed-a", 1000},
		{"feed-b", 1100},
		{"feed-c", 1050},
	} {
		if err := o.Record(testCollection, q.source, big.NewInt(q.price), now); err != nil {
			t.Fatalf("record %s: %v", q.source, err)
		}
	}

	got, err := o.FloorPrice(testCollection)
	if err != nil {
		t.Fatalf("floor price: %v", err)
	}
	if got.Cmp(big.NewInt(1050)) != 0 {
		t.Fatalf("unexpected median: %s", got)
	}
}

func TestFloorPriceEvenCountTakesLowerMiddle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(Config{MaxQuoteAge: time.Minute, MaxDeviationBps: 2_000, MinSources: 2})
	o.SetNowFunc(fixedClock(now))

	o.Record(testCollection, "feed-a", big.NewInt(1000), now)
	o.Record(testCollection, "feed-b", big.NewInt(1100), now)

	got, err := o.FloorPrice(testCollection)
	if err != nil {
		t.Fatalf("floor price: %v", err)
	}
	if got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected lower middle, got %s", got)
	}
}

func TestFloorPriceIgnoresExpiredQuotes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(Config{MaxQuoteAge: time.Minute, MaxDeviationBps: 2_000, MinSources: 1})
	o.SetNowFunc(fixedClock(now))

	o.Record(testCollection, "feed-a", big.NewInt(9999), now.Add(-2*time.Minute))
	o.Record(testCollection, "feed-b", big.NewInt(1000), now)

	got, err := o.FloorPrice(testCollection)
	if err != nil {
		t.Fatalf("floor price: %v", err)
	}
	if got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expired quote leaked into aggregate: %s", got)
	}
}

func TestFloorPriceRequiresQuorum(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(Config{MaxQuoteAge: time.Minute, MaxDeviationBps: 2_000, MinSources: 2})
	o.SetNowFunc(fixedClock(now))

	o.Record(testCollection, "feed-a", big.NewInt(1000), now)
	if _, err := o.FloorPrice(testCollection); !errors.Is(err, ErrNoFreshQuotes) {
		t.Fatalf("expected ErrNoFreshQuotes, got %v", err)
	}
}

func TestFloorPriceRefusedOnDivergence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(Config{MaxQuoteAge: time.Minute, MaxDeviationBps: 500, MinSources: 2})
	o.SetNowFunc(fixedClock(now))

	// 5% bound around the median of 1000; 1100 is 10% away.
	o.Record(testCollection, "feed-a", big.NewInt(1000), now)
	o.Record(testCollection, "feed-b", big.NewInt(1000), now)
	o.Record(testCollection, "feed-c", big.NewInt(1100), now)

	if _, err := o.FloorPrice(testCollection); !errors.Is(err, ErrPriceDivergence) {
		t.Fatalf("expected ErrPriceDivergence, got %v", err)
	}
}

func TestRecordReplacesEarlierQuoteFromSameSource(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	o := New(Config{MaxQuoteAge: time.Minute, MaxDeviationBps: 2_000, MinSources: 1})
	o.SetNowFunc(fixedClock(now))

	o.Record(testCollection, "feed-a", big.NewInt(900), now.Add(-time.Second))
	o.Record(testCollection, "feed-a", big.NewInt(1000), now)

	if quotes := o.Quotes(testCollection); len(quotes) != 1 {
		t.Fatalf("expected one quote per source, got %d", len(quotes))
	}
	got, err := o.FloorPrice(testCollection)
	if err != nil {
		t.Fatalf("floor price: %v", err)
	}
	if got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("stale quote not replaced: %s", got)
	}
}

func TestRecordRejectsInvalidQuotes(t *testing.T) {
	o := New(Config{})
	now := time.Now()
	if err := o.Record(testCollection, "", big.NewInt(1), now); err == nil {
		t.Fatalf("empty source accepted")
	}
	if err := o.Record(testCollection, "feed-a", big.NewInt(0), now); err == nil {
		t.Fatalf("zero price accepted")
	}
	if err := o.Record(testCollection, "feed-a", nil, now); err == nil {
		t.Fatalf("nil price accepted")
	}
}

func TestFeedClientFloorPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/collections/" + "0xc100000000000000000000000000000000000000" + "/floor"
		if r.URL.Path != want {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"floor_price":"1250000000000000000","updated_at":1700000000}`))
	}))
	defer srv.Close()

	feed, err := NewFeedClient("feed-a", srv.URL, time.Second)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	price, err := feed.FloorPrice(context.Background(), testCollection)
	if err != nil {
		t.Fatalf("floor price: %v", err)
	}
	want, _ := new(big.Int).SetString("1250000000000000000", 10)
	if price.Cmp(want) != 0 {
		t.Fatalf("unexpected price: %s", price)
	}
}

func TestFeedClientRejectsBadResponses(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		payload string
	}{
		{"server error", http.StatusInternalServerError, ""},
		{"malformed price", http.StatusOK, `{"floor_price":"not-a-number"}`},
		{"zero price", http.StatusOK, `{"floor_price":"0"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.payload))
			}))
			defer srv.Close()
			feed, err := NewFeedClient("feed-a", srv.URL, time.Second)
			if err != nil {
				t.Fatalf("new feed: %v", err)
			}
			if _, err := feed.FloorPrice(context.Background(), testCollection); err == nil {
				t.Fatalf("bad response accepted")
			}
		})
	}
}

func TestNewFeedClientValidatesURL(t *testing.T) {
	if _, err := NewFeedClient("feed-a", "not a url", time.Second); err == nil {
		t.Fatalf("invalid url accepted")
	}
	if _, err := NewFeedClient("", "http://example.com", time.Second); err == nil {
		t.Fatalf("empty name accepted")
	}
}
