package language

import (
	"fmt"
	"sort"
	"strings"

	xlanguage "golang.org/x/text/language"
)

const (
	BackendLive  = "live"
	BackendLocal = "local"

	// Unknown is reported when a result's language cannot be attributed.
	Unknown = "unknown"
)

// Quality rates how well a backend recognizes a language.
type Quality int

const (
	QualityNone Quality = iota
	QualityBasic
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityBasic:
		return "basic"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "none"
	}
}

// ParseQuality accepts the names produced by String.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return QualityNone, nil
	case "basic":
		return QualityBasic, nil
	case "good":
		return QualityGood, nil
	case "excellent":
		return QualityExcellent, nil
	}
	return QualityNone, fmt.Errorf("unknown quality %q", s)
}

// Support describes one backend's coverage of a language.
type Support struct {
	NativeCode string
	Quality    Quality
}

type Language struct {
	Code       string
	Name       string
	NativeName string
	Backends   map[string]Support
}

// Support returns the backend entry when the backend covers the language.
func (l Language) Support(backend string) (Support, bool) {
	s, ok := l.Backends[backend]
	if !ok || s.Quality == QualityNone {
		return Support{}, false
	}
	return s, true
}

func (l Language) clone() Language {
	out := l
	out.Backends = make(map[string]Support, len(l.Backends))
	for k, v := range l.Backends {
		out.Backends[k] = v
	}
	return out
}

// Stats aggregates catalog coverage per backend and quality tier.
type Stats struct {
	Total     int
	ByBackend map[string]map[Quality]int
}

// Registry is a read-only language catalog. Safe for concurrent use.
type Registry struct {
	languages []Language
	byCode    map[string]int
	byNative  map[string]map[string]int
}

// NewRegistry returns the built-in catalog.
func NewRegistry() *Registry {
	r, err := NewRegistryFrom(catalog())
	if err != nil {
		panic(fmt.Sprintf("built-in language catalog invalid: %v", err))
	}
	return r
}

// NewRegistryFrom builds a registry from a custom catalog. Codes must be
// unique and non-empty.
func NewRegistryFrom(langs []Language) (*Registry, error) {
	r := &Registry{
		byCode:   make(map[string]int, len(langs)),
		byNative: make(map[string]map[string]int),
	}
	for _, l := range langs {
		code := strings.ToLower(strings.TrimSpace(l.Code))
		if code == "" {
			return nil, fmt.Errorf("language %q has empty code", l.Name)
		}
		if code == Unknown {
			return nil, fmt.Errorf("language code %q is reserved", code)
		}
		if _, dup := r.byCode[code]; dup {
			return nil, fmt.Errorf("duplicate language code %q", code)
		}
		entry := l.clone()
		entry.Code = code
		idx := len(r.languages)
		r.languages = append(r.languages, entry)
		r.byCode[code] = idx
		for backend, s := range entry.Backends {
			if s.NativeCode == "" {
				continue
			}
			m := r.byNative[backend]
			if m == nil {
				m = make(map[string]int)
				r.byNative[backend] = m
			}
			m[strings.ToLower(s.NativeCode)] = idx
		}
	}
	return r, nil
}

func (r *Registry) index(code string) (int, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return 0, false
	}
	if idx, ok := r.byCode[code]; ok {
		return idx, true
	}
	tag, err := xlanguage.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return 0, false
	}
	base, conf := tag.Base()
	if conf == xlanguage.No {
		return 0, false
	}
	idx, ok := r.byCode[base.String()]
	return idx, ok
}

// Lookup finds a language by canonical code. Region or script subtags are
// reduced to the base language ("en-GB" -> "en").
func (r *Registry) Lookup(code string) (Language, bool) {
	idx, ok := r.index(code)
	if !ok {
		return Language{}, false
	}
	return r.languages[idx].clone(), true
}

// Canonical returns the catalog code for code, if any.
func (r *Registry) Canonical(code string) (string, bool) {
	idx, ok := r.index(code)
	if !ok {
		return "", false
	}
	return r.languages[idx].Code, true
}

// Valid reports whether code is a catalog language or Unknown.
func (r *Registry) Valid(code string) bool {
	if strings.EqualFold(code, Unknown) {
		return true
	}
	_, ok := r.index(code)
	return ok
}

// LookupNative performs a reverse lookup from a backend-native code.
func (r *Registry) LookupNative(backend, nativeCode string) (Language, bool) {
	m := r.byNative[backend]
	if m == nil {
		return Language{}, false
	}
	idx, ok := m[strings.ToLower(strings.TrimSpace(nativeCode))]
	if !ok {
		return Language{}, false
	}
	return r.languages[idx].clone(), true
}

// NativeCode returns the backend-specific code for a catalog language.
func (r *Registry) NativeCode(backend, code string) (string, bool) {
	idx, ok := r.index(code)
	if !ok {
		return "", false
	}
	s, ok := r.languages[idx].Support(backend)
	if !ok {
		return "", false
	}
	return s.NativeCode, true
}

// Quality reports the backend's quality tier for code; QualityNone when the
// language or backend is unknown.
func (r *Registry) Quality(backend, code string) Quality {
	idx, ok := r.index(code)
	if !ok {
		return QualityNone
	}
	s, _ := r.languages[idx].Support(backend)
	return s.Quality
}

// Search matches query as a case-insensitive substring of name, native name
// or code. Results keep catalog order; an empty query returns everything.
func (r *Registry) Search(query string) []Language {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Language
	for _, l := range r.languages {
		if q == "" ||
			strings.Contains(strings.ToLower(l.Name), q) ||
			strings.Contains(strings.ToLower(l.NativeName), q) ||
			strings.Contains(l.Code, q) {
			out = append(out, l.clone())
		}
	}
	return out
}

// Supported lists languages the backend covers at any quality.
func (r *Registry) Supported(backend string) []Language {
	var out []Language
	for _, l := range r.languages {
		if _, ok := l.Support(backend); ok {
			out = append(out, l.clone())
		}
	}
	return out
}

// SupportedAtLeast lists languages the backend covers at min quality or better.
func (r *Registry) SupportedAtLeast(backend string, min Quality) []Language {
	var out []Language
	for _, l := range r.languages {
		if s, ok := l.Support(backend); ok && s.Quality >= min {
			out = append(out, l.clone())
		}
	}
	return out
}

func (r *Registry) All() []Language {
	out := make([]Language, len(r.languages))
	for i, l := range r.languages {
		out[i] = l.clone()
	}
	return out
}

func (r *Registry) Len() int { return len(r.languages) }

func (r *Registry) Stats() Stats {
	stats := Stats{Total: len(r.languages), ByBackend: make(map[string]map[Quality]int)}
	for _, l := range r.languages {
		for backend, s := range l.Backends {
			if s.Quality == QualityNone {
				continue
			}
			m := stats.ByBackend[backend]
			if m == nil {
				m = make(map[Quality]int)
				stats.ByBackend[backend] = m
			}
			m[s.Quality]++
		}
	}
	return stats
}

// Backends lists backend names present in the catalog, sorted.
func (r *Registry) Backends() []string {
	out := make([]string, 0, len(r.byNative))
	for b := range r.byNative {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}
