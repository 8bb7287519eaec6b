package main

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

const testToken = "test-token"

func newTestServer(fix *daemonFixture) *httptest.Server {
	srv := NewServer(fix.engine, fix.oracle, fix.events, fix.intents, []string{testToken}, nil, nil)
	return httptest.NewServer(srv.Router())
}

func doJSON(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthEndpoint(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()

	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestMutatingEndpointsRequireToken(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()

	body := `{"rate_bps": 200}`
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/admin/rate", "", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token accepted: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/admin/rate", "wrong-token", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token accepted: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/admin/rate", testToken, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token rejected: %d", resp.StatusCode)
	}
	if fix.engine.InterestRate() != 200 {
		t.Fatalf("rate not applied: %d", fix.engine.InterestRate())
	}
}

func TestCreateAndFetchLoan(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()

	body := `{
		"borrower": "0xB100000000000000000000000000000000000000",
		"collateral_contract": "0xC100000000000000000000000000000000000000",
		"collateral_token": "42",
		"principal": "1000"
	}`
	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/v1/loans", testToken, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create failed: %d %v", resp.StatusCode, payload)
	}
	if payload["id"].(float64) != 1 {
		t.Fatalf("unexpected loan id: %v", payload["id"])
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/v1/loans/1", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get failed: %d", resp.StatusCode)
	}
	loan := payload["loan"].(map[string]any)
	if loan["principal"] != "1000" || loan["rate_bps"].(float64) != 100 {
		t.Fatalf("unexpected loan view: %v", loan)
	}
	if payload["amount_owed"] != "1000" {
		t.Fatalf("unexpected amount owed: %v", payload["amount_owed"])
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/v1/borrowers/0xB100000000000000000000000000000000000000/loans", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("borrower loans failed: %d", resp.StatusCode)
	}
	if ids := payload["loan_ids"].([]any); len(ids) != 1 {
		t.Fatalf("unexpected borrower loans: %v", payload)
	}
}

func TestRepayEndpointRefundsExcess(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()
	fix.createLoan(t, 1000)
	fix.nowVal += 10 * 86_400 // total due 1010

	body := `{"caller": "0xB100000000000000000000000000000000000000", "amount": "1500"}`
	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/v1/loans/1/repay", testToken, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repay failed: %d %v", resp.StatusCode, payload)
	}
	if payload["excess_refunded"] != "490" {
		t.Fatalf("unexpected excess: %v", payload["excess_refunded"])
	}
}

func TestRepayEndpointMapsShortTenderToConflict(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()
	fix.createLoan(t, 1000)
	fix.nowVal += 10 * 86_400

	body := `{"caller": "0xB100000000000000000000000000000000000000", "amount": "1000"}`
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/loans/1/repay", testToken, body)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestLoanEndpointsValidateInput(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/loans/0", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero id accepted: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/loans/99", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown loan, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/borrowers/nonsense/loans", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid address accepted: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/loans", testToken, `{"borrower": "oops"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed create accepted: %d", resp.StatusCode)
	}
}

func TestLiquidateEndpointUsesOracleWhenPriceOmitted(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()
	fix.createLoan(t, 1000)
	fix.oracle.Record(fix.ref.Contract, "feed-a", big.NewInt(900), time.Now())

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/v1/loans/1/liquidate", testToken, `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("liquidate failed: %d %v", resp.StatusCode, payload)
	}
	if payload["market_price"] != "900" {
		t.Fatalf("oracle price not used: %v", payload["market_price"])
	}
	if _, ok := fix.engine.Loan(1); ok {
		t.Fatalf("loan still open after liquidation")
	}
}

func TestLiquidateEndpointRejectsCoveredPosition(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()
	fix.createLoan(t, 1000)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/loans/1/liquidate", testToken, `{"market_price": "5000"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for covered position, got %d", resp.StatusCode)
	}
}

func TestIntentLifecycleOverHTTP(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()

	body := `{
		"borrower": "0xB100000000000000000000000000000000000000",
		"collateral_contract": "0xC100000000000000000000000000000000000000",
		"collateral_token": "7"
	}`
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/intents", testToken, body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("intent rejected: %d", resp.StatusCode)
	}
	if fix.intents.Len() != 1 {
		t.Fatalf("intent not registered")
	}

	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/intents", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list intents failed: %d", resp.StatusCode)
	}
	if intents := payload["intents"].([]any); len(intents) != 1 {
		t.Fatalf("unexpected intents payload: %v", payload)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/v1/intents", testToken, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel intent failed: %d", resp.StatusCode)
	}
	if fix.intents.Len() != 0 {
		t.Fatalf("intent not removed")
	}
}

func TestReserveEndpoints(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/v1/admin/reserve/deposit", testToken, `{"amount": "500"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit failed: %d %v", resp.StatusCode, payload)
	}
	if payload["total"] != "500" {
		t.Fatalf("unexpected total: %v", payload["total"])
	}
	resp, payload = doJSON(t, http.MethodPost, ts.URL+"/v1/admin/reserve/withdraw", testToken, `{"amount": "200"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("withdraw failed: %d %v", resp.StatusCode, payload)
	}
	if payload["total"] != "300" {
		t.Fatalf("unexpected total after withdrawal: %v", payload["total"])
	}
	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/v1/reserve", "", "")
	if resp.StatusCode != http.StatusOK || payload["total"] != "300" {
		t.Fatalf("reserve query mismatch: %d %v", resp.StatusCode, payload)
	}
}

func TestEventsEndpoint(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()
	fix.createLoan(t, 1000)

	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/events?limit=10", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events failed: %d", resp.StatusCode)
	}
	events := payload["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/events?limit=-1", "", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative limit accepted: %d", resp.StatusCode)
	}
}

func TestFloorPriceEndpoint(t *testing.T) {
	fix := newDaemonFixture()
	ts := newTestServer(fix)
	defer ts.Close()

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/oracle/0xC100000000000000000000000000000000000000/floor", "", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without quotes, got %d", resp.StatusCode)
	}

	fix.oracle.Record(fix.ref.Contract, "feed-a", big.NewInt(1234), time.Now())
	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/v1/oracle/0xC100000000000000000000000000000000000000/floor", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("floor price failed: %d", resp.StatusCode)
	}
	if payload["floor_price"] != "1234" {
		t.Fatalf("unexpected floor price: %v", payload["floor_price"])
	}
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	fix := newDaemonFixture()
	srv := NewServer(fix.engine, fix.oracle, fix.events, fix.intents, []string{testToken}, rate.NewLimiter(rate.Limit(1), 1), nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request throttled: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}
