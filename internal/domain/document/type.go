package document

import (
	"regexp"
	"sort"
	"strings"

	"github.com/kailas-cloud/casesync/internal/domain"
)

// Type tags which bucket of the case record a result or correction applies to.
type Type string

const (
	// Vehicle is the vehicle ownership card.
	Vehicle Type = "vehicle"
	// Person is the national identity card.
	Person Type = "person"
	// License is the driving license.
	License Type = "license"
)

// Known returns the built-in document types in a stable order.
func Known() []Type {
	return []Type{Vehicle, Person, License}
}

// IsKnown reports whether t is one of the built-in document types.
func (t Type) IsKnown() bool {
	switch t {
	case Vehicle, Person, License:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

var tagPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Resolver turns a client-supplied tag into a Type.
// Unknown but well-formed tags are passed through as their own bucket.
type Resolver struct {
	defaultType Type
	aliases     map[string]Type
}

// NewResolver creates a Resolver. Alias keys are matched after normalization.
func NewResolver(defaultType Type, aliases map[string]string) *Resolver {
	r := &Resolver{
		defaultType: Type(normalize(string(defaultType))),
		aliases:     make(map[string]Type, len(aliases)),
	}
	for from, to := range aliases {
		r.aliases[normalize(from)] = Type(normalize(to))
	}
	return r
}

// Default returns the type used when the client omits a tag.
func (r *Resolver) Default() Type { return r.defaultType }

// Resolve maps tag onto a Type. An empty tag resolves to the default type.
func (r *Resolver) Resolve(tag string) (Type, error) {
	n := normalize(tag)
	if n == "" {
		return r.defaultType, nil
	}
	if t, ok := r.aliases[n]; ok {
		return t, nil
	}
	if !tagPattern.MatchString(n) {
		return "", domain.InvalidInput("unreadable document type %q", tag)
	}
	return Type(n), nil
}

// Aliases returns the configured alias names, sorted.
func (r *Resolver) Aliases() []string {
	out := make([]string, 0, len(r.aliases))
	for k := range r.aliases {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
