package scope

import "testing"

func TestKey(t *testing.T) {
	if got := Account("42").Key(); got != "account:42" {
		t.Errorf("Key() = %q, want account:42", got)
	}
	if got := Group("brand").Key(); got != "group:brand" {
		t.Errorf("Key() = %q, want group:brand", got)
	}
	if got := App().Key(); got != "app:global" {
		t.Errorf("Key() = %q, want app:global", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		s       Scope
		wantErr bool
	}{
		{"account", Account("a1"), false},
		{"group", Group("g1"), false},
		{"app", App(), false},
		{"unknown kind", Scope{Kind: "tenant", ID: "x"}, true},
		{"empty id", Scope{Kind: KindAccount, ID: ""}, true},
		{"colon in id", Scope{Kind: KindAccount, ID: "a:b"}, true},
		{"whitespace in id", Scope{Kind: KindGroup, ID: "a b"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestParse(t *testing.T) {
	s, err := Parse("group:brand-1")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.Kind != KindGroup || s.ID != "brand-1" {
		t.Errorf("Parse() = %+v", s)
	}

	if _, err := Parse("nocolon"); err == nil {
		t.Error("expected error for key without separator")
	}
	if _, err := Parse("tenant:x"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []Scope{Account("a1"), Group("g1"), App()} {
		got, err := Parse(s.Key())
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", s.Key(), err)
		}
		if got != s {
			t.Errorf("round trip changed %v to %v", s, got)
		}
	}
}

func TestChain(t *testing.T) {
	chain := Chain("a1", "g1")
	if len(chain) != 3 {
		t.Fatalf("expected 3 scopes, got %d", len(chain))
	}
	if chain[0] != Account("a1") || chain[1] != Group("g1") || chain[2] != App() {
		t.Errorf("unexpected chain order: %v", chain)
	}

	// group-less accounts still roll up to the app scope
	chain = Chain("a1", "")
	if len(chain) != 2 || chain[0] != Account("a1") || chain[1] != App() {
		t.Errorf("unexpected chain without group: %v", chain)
	}

	chain = Chain("", "")
	if len(chain) != 1 || chain[0] != App() {
		t.Errorf("unexpected empty chain: %v", chain)
	}
}
