package language

import "testing"

func TestLookup(t *testing.T) {
	r := NewRegistry()

	lang, ok := r.Lookup("en")
	if !ok || lang.Name != "English" {
		t.Fatalf("expected english, got %+v ok=%v", lang, ok)
	}
	for _, code := range []string{"EN", " en-GB ", "en_US"} {
		if got, ok := r.Canonical(code); !ok || got != "en" {
			t.Fatalf("canonical(%q) = %q, %v", code, got, ok)
		}
	}
	if _, ok := r.Lookup("xx"); ok {
		t.Fatal("unexpected match for unknown code")
	}
	if !r.Valid(Unknown) || r.Valid("xx") {
		t.Fatal("unexpected Valid result")
	}
}

func TestLookupReturnsCopies(t *testing.T) {
	r := NewRegistry()
	lang, _ := r.Lookup("de")
	lang.Backends[BackendLive] = Support{NativeCode: "mutated", Quality: QualityBasic}

	again, _ := r.Lookup("de")
	if again.Backends[BackendLive].NativeCode != "de-DE" {
		t.Fatal("catalog entry was mutated through a lookup result")
	}
}

func TestLookupNative(t *testing.T) {
	r := NewRegistry()
	lang, ok := r.LookupNative(BackendLive, "fil-ph")
	if !ok || lang.Code != "tl" {
		t.Fatalf("expected tagalog, got %+v ok=%v", lang, ok)
	}
	if _, ok := r.LookupNative(BackendLive, "fa"); ok {
		t.Fatal("persian has no live code")
	}
	if code, ok := r.NativeCode(BackendLocal, "no"); !ok || code != "no" {
		t.Fatalf("unexpected local code %q", code)
	}
}

func TestQuality(t *testing.T) {
	r := NewRegistry()
	if q := r.Quality(BackendLive, "en"); q != QualityExcellent {
		t.Fatalf("expected excellent, got %s", q)
	}
	if q := r.Quality(BackendLive, "la"); q != QualityNone {
		t.Fatalf("expected none for latin on live, got %s", q)
	}
	if q := r.Quality(BackendLocal, "la"); q != QualityBasic {
		t.Fatalf("expected basic for latin on local, got %s", q)
	}
	if q := r.Quality("unknown-backend", "en"); q != QualityNone {
		t.Fatalf("expected none, got %s", q)
	}
}

func TestSearch(t *testing.T) {
	r := NewRegistry()
	if got := r.Search("deutsch"); len(got) != 1 || got[0].Code != "de" {
		t.Fatalf("native name search failed: %+v", got)
	}
	got := r.Search("an")
	if len(got) < 3 {
		t.Fatalf("expected several matches, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if r.byCode[got[i-1].Code] > r.byCode[got[i].Code] {
			t.Fatal("search results out of catalog order")
		}
	}
	if len(r.Search("")) != r.Len() {
		t.Fatal("empty query should return the whole catalog")
	}
}

func TestStats(t *testing.T) {
	r := NewRegistry()
	stats := r.Stats()
	if stats.Total != 48 {
		t.Fatalf("expected 48 languages, got %d", stats.Total)
	}
	live := stats.ByBackend[BackendLive]
	if live[QualityExcellent] != 6 || live[QualityGood] != 13 || live[QualityBasic] != 21 {
		t.Fatalf("unexpected live stats: %v", live)
	}
	local := stats.ByBackend[BackendLocal]
	if local[QualityExcellent]+local[QualityGood]+local[QualityBasic] != 48 {
		t.Fatalf("local should cover every language: %v", local)
	}
	if len(r.Supported(BackendLive)) != 40 {
		t.Fatalf("expected 40 live languages")
	}
	if len(r.SupportedAtLeast(BackendLocal, QualityExcellent)) != 10 {
		t.Fatalf("expected 10 excellent local languages")
	}
}

func TestNewRegistryFromRejectsDuplicates(t *testing.T) {
	_, err := NewRegistryFrom([]Language{{Code: "xx"}, {Code: "XX"}})
	if err == nil {
		t.Fatal("expected duplicate code error")
	}
	if _, err := NewRegistryFrom([]Language{{Code: Unknown}}); err == nil {
		t.Fatal("expected reserved code error")
	}
	r, err := NewRegistryFrom([]Language{{Code: "xx", Name: "Test", Backends: map[string]Support{BackendLocal: {NativeCode: "xx", Quality: QualityGood}}}})
	if err != nil {
		t.Fatalf("custom registry: %v", err)
	}
	if _, ok := r.Lookup("xx"); !ok {
		t.Fatal("custom language missing")
	}
}
