package lending

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func writeParams(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lending.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write params: %v", err)
	}
	return path
}

func TestLoadParams(t *testing.T) {
	params, err := LoadParams(writeParams(t, `
InitialRateBps = 100
MaxRateBps = 500
MinPrincipalWei = "1000000000000000"
AdvanceRateBps = 4000
`))
	if err != nil {
		t.Fatalf("load params: %v", err)
	}
	if params.InitialRateBps != 100 || params.MaxRateBps != 500 {
		t.Fatalf("unexpected rates: %+v", params)
	}
	want, _ := new(big.Int).SetString("1000000000000000", 10)
	if params.MinPrincipalWei.Cmp(want) != 0 {
		t.Fatalf("unexpected principal floor: %s", params.MinPrincipalWei)
	}
	if params.AdvanceRateBps != 4000 {
		t.Fatalf("unexpected advance rate: %d", params.AdvanceRateBps)
	}
}

func TestLoadParamsDefaults(t *testing.T) {
	params, err := LoadParams("")
	if err != nil {
		t.Fatalf("load empty path: %v", err)
	}
	if params.AdvanceRateBps != 5_000 {
		t.Fatalf("unexpected advance rate default: %d", params.AdvanceRateBps)
	}
	if params.MinPrincipalWei == nil || params.MinPrincipalWei.Sign() != 0 {
		t.Fatalf("unexpected principal floor default: %v", params.MinPrincipalWei)
	}
}

func TestLoadParamsRejectsInvalidSets(t *testing.T) {
	if _, err := LoadParams(writeParams(t, "AdvanceRateBps = 10001\n")); err == nil {
		t.Fatalf("advance rate above 100%% accepted")
	}
	if _, err := LoadParams(writeParams(t, "InitialRateBps = 600\nMaxRateBps = 500\n")); err == nil {
		t.Fatalf("initial rate above cap accepted")
	}
}
