package tenant

import (
	"context"
	"errors"
	"testing"
)

func testEntries() []Entry {
	return []Entry{
		{
			ID:       "acme",
			Name:     "Acme Corp",
			APIKey:   "sk-gw-acme-123",
			Tier:     "pro",
			Provider: "openai",
			Credentials: map[string]string{
				"OpenAI":    "sk-upstream-openai",
				"anthropic": "sk-upstream-anthropic",
			},
		},
		{
			ID:      "hobby",
			Name:    "Hobby User",
			KeyHash: HashKey("sk-gw-hobby-456"),
			Tier:    "free",
		},
	}
}

func TestResolve_KnownKey(t *testing.T) {
	d, err := NewStaticDirectory(testEntries())
	if err != nil {
		t.Fatal(err)
	}

	tn, err := d.Resolve(context.Background(), "sk-gw-acme-123")
	if err != nil {
		t.Fatal(err)
	}
	if tn.ID != "acme" {
		t.Errorf("expected acme, got %s", tn.ID)
	}
	if tn.Tier != TierPro {
		t.Errorf("expected pro tier, got %s", tn.Tier)
	}
	if tn.Provider != "openai" {
		t.Errorf("expected openai provider, got %s", tn.Provider)
	}
}

func TestResolve_ByPrecomputedHash(t *testing.T) {
	d, err := NewStaticDirectory(testEntries())
	if err != nil {
		t.Fatal(err)
	}

	tn, err := d.Resolve(context.Background(), "sk-gw-hobby-456")
	if err != nil {
		t.Fatal(err)
	}
	if tn.ID != "hobby" {
		t.Errorf("expected hobby, got %s", tn.ID)
	}
	if tn.Tier != TierFree {
		t.Errorf("expected free tier, got %s", tn.Tier)
	}
}

func TestResolve_UnknownKey(t *testing.T) {
	d, _ := NewStaticDirectory(testEntries())

	if _, err := d.Resolve(context.Background(), "sk-gw-nope"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := d.Resolve(context.Background(), ""); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("empty key should be unknown, got %v", err)
	}
}

func TestResolve_ReturnsCopy(t *testing.T) {
	d, _ := NewStaticDirectory(testEntries())

	a, _ := d.Resolve(context.Background(), "sk-gw-acme-123")
	a.Tier = TierEnterprise

	b, _ := d.Resolve(context.Background(), "sk-gw-acme-123")
	if b.Tier != TierPro {
		t.Error("mutating a resolved tenant must not affect the directory")
	}
}

func TestProviderKey(t *testing.T) {
	d, _ := NewStaticDirectory(testEntries())

	key, ok := d.ProviderKey(context.Background(), "acme", "openai")
	if !ok || key != "sk-upstream-openai" {
		t.Errorf("expected openai credential, got %q ok=%v", key, ok)
	}

	// Provider names are case-insensitive.
	if _, ok := d.ProviderKey(context.Background(), "acme", "ANTHROPIC"); !ok {
		t.Error("provider lookup should be case-insensitive")
	}

	if _, ok := d.ProviderKey(context.Background(), "acme", "gemini"); ok {
		t.Error("absent credential should report ok=false")
	}
	if _, ok := d.ProviderKey(context.Background(), "hobby", "openai"); ok {
		t.Error("tenant without credentials should report ok=false")
	}
}

func TestNewStaticDirectory_Validation(t *testing.T) {
	if _, err := NewStaticDirectory([]Entry{{Name: "no-id", APIKey: "k"}}); err == nil {
		t.Error("missing id should be rejected")
	}
	if _, err := NewStaticDirectory([]Entry{{ID: "x"}}); err == nil {
		t.Error("missing key material should be rejected")
	}
	if _, err := NewStaticDirectory([]Entry{
		{ID: "a", APIKey: "same"},
		{ID: "b", APIKey: "same"},
	}); err == nil {
		t.Error("duplicate api keys should be rejected")
	}
}

func TestParseTier(t *testing.T) {
	cases := map[string]Tier{
		"free":       TierFree,
		"starter":    TierStarter,
		"Pro":        TierPro,
		" ENTERPRISE ": TierEnterprise,
		"platinum":   TierFree,
		"":           TierFree,
	}
	for in, want := range cases {
		if got := ParseTier(in); got != want {
			t.Errorf("ParseTier(%q) = %s, want %s", in, got, want)
		}
	}
}
