package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseAmountRejectsNegativeAndGarbage(t *testing.T) {
	for _, in := range []string{"", "-1", "1.5", "abc", "0x10"} {
		if _, err := ParseAmount(in); err == nil {
			t.Fatalf("expected parse error for %q", in)
		}
	}
}

func TestAmountRoundTripJSON(t *testing.T) {
	a := WholeTokens(1000)
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal amount: %v", err)
	}
	if string(raw) != `"1000000000000000000000"` {
		t.Fatalf("unexpected encoding: %s", raw)
	}
	var back Amount
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal amount: %v", err)
	}
	if back.Cmp(a) != 0 {
		t.Fatalf("round trip mismatch: %s vs %s", back, a)
	}
}

func TestAmountZeroValueIsSafe(t *testing.T) {
	var a Amount
	if !a.IsZero() {
		t.Fatalf("zero value should be zero")
	}
	if a.String() != "0" {
		t.Fatalf("zero value string: %s", a)
	}
	if a.Cmp(WholeTokens(0)) != 0 {
		t.Fatalf("zero value compare failed")
	}
}

func TestMaxMinPulseAmountIsThousandTokens(t *testing.T) {
	if MaxMinPulseAmount.Cmp(WholeTokens(1000)) != 0 {
		t.Fatalf("max min pulse amount = %s", MaxMinPulseAmount)
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("0x52908400098527886e0f7030069857d2e4169ee7")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "0x52908400098527886E0F7030069857D2E4169EE7" {
		t.Fatalf("unexpected checksum form: %s", got)
	}
	if _, err := NormalizeAddress("not-an-address"); err == nil {
		t.Fatalf("expected error for malformed address")
	}
	if !ZeroAddress("0x0000000000000000000000000000000000000000") {
		t.Fatalf("expected zero address detection")
	}
}
