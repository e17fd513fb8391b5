package terms

import (
	"encoding/json"
	"testing"
)

func baseTerms() Terms {
	return Terms{
		Task:         "create_github_issue",
		Payload:      map[string]any{"title": "T", "body": "b", "labels": []any{"x", "y"}},
		Price:        5000,
		Denom:        DefaultDenom,
		TTL:          300,
		BondRequired: 1000,
	}
}

func TestHashDeterministicAcrossKeyOrder(t *testing.T) {
	a := baseTerms()

	b := baseTerms()
	b.Payload = map[string]any{}
	b.Payload["labels"] = []any{"x", "y"}
	b.Payload["body"] = "b"
	b.Payload["title"] = "T"

	if Hash(a) != Hash(b) {
		t.Fatalf("hash differs for equal terms: %s vs %s", Hash(a), Hash(b))
	}
	if len(Hash(a)) != 64 {
		t.Fatalf("unexpected digest length %d", len(Hash(a)))
	}
}

func TestHashSurvivesJSONRoundTrip(t *testing.T) {
	original := baseTerms()
	original.Payload["nested"] = map[string]any{"z": 1, "a": true}

	raw, err := json.Marshal(original.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	copied := original
	copied.Payload = decoded

	if Hash(original) != Hash(copied) {
		t.Fatalf("hash changed after wire round trip")
	}
}

func TestHashChangesOnEveryField(t *testing.T) {
	base := Hash(baseTerms())

	cases := map[string]func(*Terms){
		"task":    func(t *Terms) { t.Task = "translate_text" },
		"payload": func(t *Terms) { t.Payload = map[string]any{"title": "U"} },
		"price":   func(t *Terms) { t.Price = 5001 },
		"denom":   func(t *Terms) { t.Denom = "afet" },
		"ttl":     func(t *Terms) { t.TTL = 301 },
		"bond":    func(t *Terms) { t.BondRequired = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			terms := baseTerms()
			mutate(&terms)
			if Hash(terms) == base {
				t.Fatalf("expected digest to change when %s changes", name)
			}
		})
	}
}

func TestCanonicalIsCompactAndSorted(t *testing.T) {
	got := string(Canonical(Terms{
		Task:    "get_weather",
		Payload: map[string]any{"city": "<Paris>"},
		Price:   1,
		Denom:   "atestfet",
		TTL:     2,
	}))
	want := `{"bond_required":0,"denom":"atestfet","payload":{"city":"<Paris>"},"price":1,"task":"get_weather","ttl":2}`
	if got != want {
		t.Fatalf("unexpected canonical form:\n got %s\nwant %s", got, want)
	}
}
