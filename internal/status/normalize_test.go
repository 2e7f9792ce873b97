package status

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(map[string]Key{
		"nouveau":         "en_cours",
		"a imprimer":      "pret_impression",
		"ready for print": "pret_impression",
		"ready to ship":   "pret_livraison",
		"Prêt à livrer":   "pret_livraison",
		"clos":            "termine",
		"fini":            "termine",
	})
	require.NoError(t, err)
	return n
}

func TestFold(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Prêt livraison", "pret_livraison"},
		{"pret_livraison", "pret_livraison"},
		{"PRET LIVRAISON", "pret_livraison"},
		{"  pret   _  livraison ", "pret_livraison"},
		{"À revoir", "a_revoir"},
		{"a_revoir", "a_revoir"},
		{"Imprimé!", "imprime"},
		{"en-cours", "encours"},
		{"", ""},
		{"¿?", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Fold(tt.in))
		})
	}
}

func TestNormalize_Aliases(t *testing.T) {
	n := newNormalizer(t)

	assert.Equal(t, Key("pret_livraison"), n.Normalize("Prêt à livrer"))
	assert.Equal(t, Key("pret_livraison"), n.Normalize("PRET_A_LIVRER"))
	assert.Equal(t, Key("pret_impression"), n.Normalize("Ready for Print"))
	assert.Equal(t, Key("en_cours"), n.Normalize("Nouveau"))
	assert.Equal(t, Key("termine"), n.Normalize("Terminé"))
}

func TestNormalize_SameKeyFromEveryOrigin(t *testing.T) {
	n := newNormalizer(t)

	for _, raw := range []string{"Prêt livraison", "pret_livraison", "PRET LIVRAISON", "prêt-livraison "} {
		got := n.Normalize(raw)
		if raw == "prêt-livraison " {
			// Hyphen is punctuation, not a separator.
			assert.Equal(t, Key("pretlivraison"), got)
			continue
		}
		assert.Equal(t, Key("pret_livraison"), got, raw)
	}

	assert.Equal(t, n.Normalize("À revoir"), n.Normalize("a_revoir"))
	assert.Equal(t, Key("a_revoir"), n.Normalize("À revoir"))
}

func TestNormalize_NilNormalizerFoldsOnly(t *testing.T) {
	var n *Normalizer
	assert.Equal(t, Key("clos"), n.Normalize("Clos"))
}

func TestNewNormalizer_RejectsBadAliases(t *testing.T) {
	_, err := NewNormalizer(map[string]Key{"x": "Not Canonical"})
	assert.Error(t, err)

	_, err = NewNormalizer(map[string]Key{"!!!": "termine"})
	assert.Error(t, err)

	_, err = NewNormalizer(map[string]Key{"fini": "termine", "FINI": "livre"})
	assert.Error(t, err)

	_, err = NewNormalizer(map[string]Key{"termine": "livre", "fini": "termine"})
	assert.Error(t, err, "a canonical key must not be redirected")
}

func TestNormalize_IdempotentProperty(t *testing.T) {
	n := newNormalizer(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("normalize(normalize(x)) == normalize(x)", prop.ForAll(
		func(raw string) bool {
			once := n.Normalize(raw)
			return n.Normalize(string(once)) == once
		},
		gen.OneGenOf(
			gen.AnyString(),
			gen.AlphaString(),
			gen.OneConstOf("Prêt livraison", "pret_livraison", "PRET LIVRAISON", "À revoir",
				"Ready for print", "Terminé", "  en   cours ", "Imprimé", "Nouveau", "ÉN_LIVRAISON"),
		),
	))

	properties.Property("normalized keys contain only [a-z0-9_]", prop.ForAll(
		func(raw string) bool {
			for _, r := range string(n.Normalize(raw)) {
				if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
