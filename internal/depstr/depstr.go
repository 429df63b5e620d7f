// Package depstr parses and resolves dependent strings: input literals that
// may contain `${{ id.outputs.field }}` and `${{ store.key }}` placeholders.
// Parsing is strict; the template validator rejects any malformed string so
// only resolution failures (a declared source with no value) can occur at
// runtime.
package depstr

import (
	"fmt"
	"strings"
)

const (
	openDelim  = "${{"
	closeDelim = "}}"
)

// Ref addresses one placeholder source: an output field of a node state, or
// a run-store key when Identifier is the reserved "store" token.
type Ref struct {
	Identifier string
	Field      string
}

// IsStore reports whether the reference addresses the run-scoped store.
func (r Ref) IsStore() bool { return r.Identifier == "store" }

func (r Ref) String() string {
	if r.IsStore() {
		return "store." + r.Field
	}
	return r.Identifier + ".outputs." + r.Field
}

// Part is one placeholder plus the literal text following it.
type Part struct {
	Ref
	Tail string
}

// Parsed is the immutable decomposition of a dependent string: the literal
// head followed by (placeholder, tail) pairs in order.
type Parsed struct {
	Head  string
	Parts []Part
}

// Parse decomposes s. It fails on an unterminated `${{` and on any
// placeholder that is not one of the two recognized shapes.
func Parse(s string) (*Parsed, error) {
	p := &Parsed{}
	rest := s
	first := true
	for {
		i := strings.Index(rest, openDelim)
		if i < 0 {
			break
		}
		j := strings.Index(rest[i+len(openDelim):], closeDelim)
		if j < 0 {
			return nil, fmt.Errorf("unbalanced %q in %q", openDelim, s)
		}
		inner := rest[i+len(openDelim) : i+len(openDelim)+j]
		ref, err := parseRef(inner, s)
		if err != nil {
			return nil, err
		}
		if first {
			p.Head = rest[:i]
			first = false
		} else {
			p.Parts[len(p.Parts)-1].Tail = rest[:i]
		}
		p.Parts = append(p.Parts, Part{Ref: ref})
		rest = rest[i+len(openDelim)+j+len(closeDelim):]
	}
	if first {
		p.Head = rest
	} else {
		p.Parts[len(p.Parts)-1].Tail = rest
	}
	return p, nil
}

func parseRef(inner, full string) (Ref, error) {
	segs := strings.Split(inner, ".")
	for i := range segs {
		segs[i] = strings.TrimSpace(segs[i])
		if segs[i] == "" {
			return Ref{}, fmt.Errorf("empty segment in placeholder %q of %q", strings.TrimSpace(inner), full)
		}
	}
	switch {
	case len(segs) == 2 && segs[0] == "store":
		return Ref{Identifier: "store", Field: segs[1]}, nil
	case len(segs) == 3 && segs[1] == "outputs":
		return Ref{Identifier: segs[0], Field: segs[2]}, nil
	}
	return Ref{}, fmt.Errorf("placeholder %q of %q is neither id.outputs.field nor store.key", strings.TrimSpace(inner), full)
}

// HasPlaceholders reports whether the string contains any placeholder.
func (p *Parsed) HasPlaceholders() bool { return len(p.Parts) > 0 }

// Refs returns the distinct references in first-appearance order.
func (p *Parsed) Refs() []Ref {
	var out []Ref
	seen := map[Ref]bool{}
	for _, part := range p.Parts {
		if !seen[part.Ref] {
			out = append(out, part.Ref)
			seen[part.Ref] = true
		}
	}
	return out
}

// Resolve renders the string, reading each placeholder through lookup.
// A reference lookup cannot satisfy is named in the returned error.
func (p *Parsed) Resolve(lookup func(Ref) (string, bool)) (string, error) {
	var b strings.Builder
	b.WriteString(p.Head)
	for _, part := range p.Parts {
		v, ok := lookup(part.Ref)
		if !ok {
			return "", fmt.Errorf("no value for %s", part.Ref)
		}
		b.WriteString(v)
		b.WriteString(part.Tail)
	}
	return b.String(), nil
}

// Resolve is a convenience for the parse-then-resolve path.
func Resolve(s string, lookup func(Ref) (string, bool)) (string, error) {
	p, err := Parse(s)
	if err != nil {
		return "", err
	}
	return p.Resolve(lookup)
}
