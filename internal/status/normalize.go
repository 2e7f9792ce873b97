package status

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer folds raw status labels onto canonical keys.
//
// Status strings reach the core from display labels, push payloads, legacy
// exports and user input, with inconsistent case, accents and separators.
// Normalize must be applied at every boundary, internal callers included.
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
type Normalizer struct {
	aliases map[string]Key
}

// NewNormalizer builds a normalizer with the given alias table. Alias keys
// are folded mechanically, so "Prêt livraison" and "PRET_LIVRAISON" are the
// same alias. Every alias target must be a fixed point of the mechanical
// fold, otherwise idempotence would break.
func NewNormalizer(aliases map[string]Key) (*Normalizer, error) {
	n := &Normalizer{aliases: make(map[string]Key, len(aliases))}
	for raw, target := range aliases {
		folded := Fold(raw)
		if folded == "" {
			return nil, fmt.Errorf("alias %q folds to an empty key", raw)
		}
		if Key(Fold(string(target))) != target {
			return nil, fmt.Errorf("alias %q targets non-canonical key %q", raw, target)
		}
		if prev, ok := n.aliases[folded]; ok && prev != target {
			return nil, fmt.Errorf("alias %q is ambiguous: %q and %q", raw, prev, target)
		}
		n.aliases[folded] = target
	}
	for folded, target := range n.aliases {
		// A canonical key must never be redirected to another key.
		if other, ok := n.aliases[string(target)]; ok && other != target {
			return nil, fmt.Errorf("alias %q targets %q which is itself aliased to %q", folded, target, other)
		}
	}
	return n, nil
}

// Normalize returns the canonical key for raw. Unknown labels fold to their
// mechanical key, which the registry may then reject.
func (n *Normalizer) Normalize(raw string) Key {
	folded := Fold(raw)
	if n != nil {
		if target, ok := n.aliases[folded]; ok {
			return target
		}
	}
	return Key(folded)
}

// Aliases returns a copy of the folded alias table.
func (n *Normalizer) Aliases() map[string]Key {
	out := make(map[string]Key, len(n.aliases))
	for k, v := range n.aliases {
		out[k] = v
	}
	return out
}

var stripMarks = runes.Remove(runes.In(unicode.Mn))

// Fold is the mechanical part of normalization: lowercase, strip diacritics,
// collapse whitespace and underscores, drop everything outside [a-z0-9_ ],
// then join words with underscores.
func Fold(raw string) string {
	s := strings.ToLower(raw)

	t := transform.Chain(norm.NFD, stripMarks, norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}

	s = collapse(strings.ReplaceAll(s, "_", " "))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		}
	}

	return strings.ReplaceAll(collapse(b.String()), " ", "_")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
