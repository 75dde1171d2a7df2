package canonjson

import (
	"strings"
	"testing"
)

func TestCanonical_SortsObjectKeys(t *testing.T) {
	got, err := Canonical(map[string]any{"zeta": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"alpha":2,"mid":3,"zeta":1}`
	if string(got) != want {
		t.Fatalf("canonical mismatch: want %s got %s", want, got)
	}
}

func TestCanonical_NestedAndArrays(t *testing.T) {
	in := map[string]any{
		"b": []any{map[string]any{"y": true, "x": nil}, "s"},
		"a": map[string]any{"k": "v"},
	}
	got, err := Canonical(in)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"a":{"k":"v"},"b":[{"x":null,"y":true},"s"]}`
	if string(got) != want {
		t.Fatalf("canonical mismatch: want %s got %s", want, got)
	}
}

func TestCanonical_NumberLiteralsPreserved(t *testing.T) {
	type payload struct {
		Price string `json:"price"`
		Qty   int    `json:"qty"`
	}
	got, err := Canonical(payload{Price: "0.0002", Qty: 3})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"price":"0.0002","qty":3}`
	if string(got) != want {
		t.Fatalf("canonical mismatch: want %s got %s", want, got)
	}
}

func TestCanonical_StringEscaping(t *testing.T) {
	got, err := Canonical(map[string]any{"k": "a\"b\\c\nd\x01"})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	want := `{"k":"a\"b\\c\nd\u0001"}`
	if string(got) != want {
		t.Fatalf("escape mismatch: want %s got %s", want, got)
	}
}

func TestSumObject_Deterministic(t *testing.T) {
	in := map[string]any{"scope": map[string]any{"region": "eu", "kind": "weather.data"}, "max_price": "0.0002"}
	h1, b1, err := SumObject(in)
	if err != nil {
		t.Fatalf("SumObject: %v", err)
	}
	h2, b2, err := SumObject(in)
	if err != nil {
		t.Fatalf("SumObject: %v", err)
	}
	if h1 != h2 || string(b1) != string(b2) {
		t.Fatalf("non-deterministic canonical hash: %s vs %s", h1, h2)
	}
	if len(h1) != 64 || h1 != strings.ToLower(h1) {
		t.Fatalf("hash must be lowercase hex sha256, got %q", h1)
	}
}

func TestHashString_KnownVector(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashString("abc"); got != want {
		t.Fatalf("HashString vector mismatch: want %s got %s", want, got)
	}
}
