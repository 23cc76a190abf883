// Package registry maps entity types and collection names to the handlers
// that describe how their properties are indexed. Registration is explicit:
// every handler is added at startup from configuration.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/config"
)

// PropertyInfo is the index metadata of one property.
type PropertyInfo struct {
	Unique     bool
	FullText   bool
	Location   bool
	NotIndexed bool
}

// Handler describes one entity type.
type Handler struct {
	Type        string
	Collections []string
	properties  map[string]PropertyInfo
}

// NewHandler builds a handler from a schema entry.
func NewHandler(ts config.TypeSchema) *Handler {
	h := &Handler{
		Type:        strings.ToLower(ts.Name),
		Collections: lowerAll(ts.Collections),
		properties:  make(map[string]PropertyInfo),
	}
	h.mark(ts.Unique, func(p *PropertyInfo) { p.Unique = true })
	h.mark(ts.FullText, func(p *PropertyInfo) { p.FullText = true })
	h.mark(ts.Locations, func(p *PropertyInfo) { p.Location = true })
	h.mark(ts.NotIndexed, func(p *PropertyInfo) { p.NotIndexed = true })
	return h
}

func (h *Handler) mark(names []string, set func(*PropertyInfo)) {
	for _, n := range names {
		n = strings.ToLower(n)
		p := h.properties[n]
		set(&p)
		h.properties[n] = p
	}
}

// Property returns the metadata of a property path. A nested path inherits
// NotIndexed from its parent, so excluding "secret" also excludes
// "secret.token".
func (h *Handler) Property(path string) PropertyInfo {
	path = strings.ToLower(path)
	info := h.properties[path]
	for p := path; ; {
		i := strings.LastIndexByte(p, '.')
		if i < 0 {
			break
		}
		p = p[:i]
		if h.properties[p].NotIndexed {
			info.NotIndexed = true
		}
	}
	return info
}

// Default is the handler used for types nobody registered: every property is
// indexed, none is unique.
func Default() *Handler {
	return &Handler{properties: map[string]PropertyInfo{}}
}

// Registry holds the registered handlers.
type Registry struct {
	mu           sync.RWMutex
	byType       map[string]*Handler
	byCollection map[string]*Handler
	fallback     *Handler
}

func New() *Registry {
	return &Registry{
		byType:       make(map[string]*Handler),
		byCollection: make(map[string]*Handler),
		fallback:     Default(),
	}
}

// FromSchema registers one handler per configured type.
func FromSchema(schema config.SchemaConfig) (*Registry, error) {
	r := New()
	for _, ts := range schema.Types {
		if err := r.Register(NewHandler(ts)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds h under its type and every collection it lives in. Plural
// and singular collection names are derived from the type when none are
// configured.
func (r *Registry) Register(h *Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.Type == "" {
		return fmt.Errorf("registering handler without a type")
	}
	if _, dup := r.byType[h.Type]; dup {
		return fmt.Errorf("handler for type %q already registered", h.Type)
	}
	names := h.Collections
	if len(names) == 0 {
		names = []string{Plural(h.Type)}
	}
	for _, n := range names {
		if other, dup := r.byCollection[n]; dup {
			return fmt.Errorf("collection %q claimed by both %q and %q", n, other.Type, h.Type)
		}
	}
	r.byType[h.Type] = h
	for _, n := range names {
		r.byCollection[n] = h
	}
	return nil
}

// Lookup finds the handler for a type or collection name. It tries the name
// as given, then its singular and plural forms, and falls back to the
// default handler.
func (r *Registry) Lookup(name string) *Handler {
	name = strings.ToLower(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, candidate := range []string{name, Singular(name), Plural(name)} {
		if h, ok := r.byType[candidate]; ok {
			return h
		}
		if h, ok := r.byCollection[candidate]; ok {
			return h
		}
	}
	return r.fallback
}

// Types lists registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// Plural applies the English rules collection names follow.
func Plural(s string) string {
	switch {
	case s == "":
		return s
	case hasAnySuffix(s, "ss", "x", "ch", "sh"):
		return s + "es"
	case strings.HasSuffix(s, "s"):
		return s
	case strings.HasSuffix(s, "y") && len(s) > 1 && !isVowel(s[len(s)-2]):
		return s[:len(s)-1] + "ies"
	default:
		return s + "s"
	}
}

// Singular reverses Plural.
func Singular(s string) string {
	switch {
	case strings.HasSuffix(s, "ies") && len(s) > 3:
		return s[:len(s)-3] + "y"
	case hasAnySuffix(s, "sses", "xes", "ches", "shes"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "ss"):
		return s
	case strings.HasSuffix(s, "s") && len(s) > 1:
		return s[:len(s)-1]
	default:
		return s
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func isVowel(b byte) bool {
	return strings.IndexByte("aeiou", b) >= 0
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
