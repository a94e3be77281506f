package core

import (
	"encoding/json"
	"testing"
)

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in  string
		out string
		ok  bool
	}{
		{"1", "1.00", true},
		{"1.0", "1.00", true},
		{"1.23", "1.23", true},
		{"1,23", "1.23", true},
		{"0.01", "0.01", true},
		{"0", "0.00", true},
		{"1.005", "1.01", true}, // half away from zero
		{" 2.50 ", "2.50", true},
		{"-1", "", false},
		{"+1", "", false},
		{"abc", "", false},
		{"1.2.3", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseMoney(tc.in)
		if tc.ok {
			if err != nil || got.String() != tc.out {
				t.Fatalf("%q expected %s, got %s (err=%v)", tc.in, tc.out, got, err)
			}
		} else if err == nil {
			t.Fatalf("%q expected error", tc.in)
		}
	}
}

func TestMoneyArithmetic(t *testing.T) {
	a := NewMoney(15000)
	b := MoneyFromFloat(80)
	sum := a.Add(b)
	if sum.String() != "230.00" {
		t.Fatalf("expected 230.00, got %s", sum)
	}
	if sum.Sub(NewMoney(20000)).String() != "30.00" {
		t.Fatalf("expected overage 30.00, got %s", sum.Sub(NewMoney(20000)))
	}
	if sum.Cents() != 23000 {
		t.Fatalf("expected 23000 cents, got %d", sum.Cents())
	}

	// 0.1 + 0.2 must be exactly 0.30
	if MoneyFromFloat(0.1).Add(MoneyFromFloat(0.2)).String() != "0.30" {
		t.Fatal("fixed-point addition drifted")
	}
}

func TestMoneyPercent(t *testing.T) {
	if p := NewMoney(16000).Percent(NewMoney(20000)); p.String() != "80" {
		t.Fatalf("expected 80, got %s", p)
	}
	if p := NewMoney(100).Percent(Zero); p.String() != "100" {
		t.Fatalf("expected 100 for unfunded spend, got %s", p)
	}
	if p := Zero.Percent(Zero); !p.IsZero() {
		t.Fatalf("expected 0, got %s", p)
	}
}

func TestMoneyJSON(t *testing.T) {
	var v struct {
		A Money `json:"a"`
		B Money `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a": 12.345, "b": "7.1"}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A.String() != "12.35" || v.B.String() != "7.10" {
		t.Fatalf("unexpected values a=%s b=%s", v.A, v.B)
	}
	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"a":12.35,"b":7.10}` {
		t.Fatalf("unexpected json %s", out)
	}
}
