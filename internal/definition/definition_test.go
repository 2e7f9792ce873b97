package definition

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atelier/internal/errclass"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/status"
)

func TestDefault_Loads(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)

	reg := def.Registry
	assert.Equal(t, status.Key("en_cours"), reg.Initial())
	assert.Equal(t, status.Key("termine"), reg.Terminal())
	assert.Equal(t, []status.Key{
		"en_cours", "pret_impression", "a_revoir", "en_impression", "imprime",
		"pret_livraison", "en_livraison", "livre", "termine",
	}, reg.Keys())
	assert.Equal(t, []status.Key{"en_impression", "a_revoir"}, reg.LegalNext("pret_impression"))
	assert.Equal(t, "À revoir", reg.Label("a_revoir"))

	for _, k := range reg.Reachable(reg.Initial()) {
		assert.True(t, reg.PathToTerminal(k), "%s cannot reach termine", k)
	}

	assert.Equal(t, []string{"admin", "imprimeur", "livreur", "preparateur"}, def.Matrix.Roles())
	prep, ok := def.Matrix.Lookup("preparateur")
	require.True(t, ok)
	assert.True(t, prep.Ownership)
	assert.ElementsMatch(t, []status.Key{"en_cours", "pret_impression"}, prep.Destinations.ToSlice())
	admin, _ := def.Matrix.Lookup("admin")
	assert.True(t, admin.Force)

	assert.Equal(t, status.Key("termine"), def.AutoChain["livre"])
	assert.Equal(t, status.Key("en_impression"), def.Suggestions["pret_impression"])
	assert.Equal(t, "dossier_delivered", def.Notifications["livre"].Type)
	assert.True(t, def.Notifications["livre"].NotifyCreator)
}

func TestDefault_Normalizer(t *testing.T) {
	def := MustDefault()

	for _, raw := range []string{"Prêt livraison", "pret_livraison", "PRET LIVRAISON", "Ready for delivery"} {
		assert.Equal(t, status.Key("pret_livraison"), def.Normalizer.Normalize(raw), raw)
	}
	assert.Equal(t, status.Key("a_revoir"), def.Normalizer.Normalize("À revoir"))
	assert.Equal(t, status.Key("a_revoir"), def.Normalizer.Normalize("a_revoir"))
	assert.Equal(t, status.Key("termine"), def.Normalizer.Normalize("Clos"))
}

func TestDefault_ValidatorWired(t *testing.T) {
	def := MustDefault()
	wo := job.WorkOrder{ID: "job-42", Status: "en_cours", CreatedBy: "u1"}

	err := def.Validator.Validate("en_cours", "en_impression", job.Actor{ID: "u1", Role: "preparateur"}, wo)
	require.Error(t, err)
	assert.Equal(t, errclass.KindRoleNotPermitted, errclass.KindOf(err))
}

func TestNotificationRule_Render(t *testing.T) {
	r := NotificationRule{Message: "Dossier {job}: {from} → {to}"}
	assert.Equal(t, "Dossier job-42: Imprimé → Prêt livraison", r.Render("job-42", "Imprimé", "Prêt livraison"))
}

func TestLoad_FileAndEmptyPath(t *testing.T) {
	def, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "default.cue", def.Source)

	path := filepath.Join(t.TempDir(), "mini.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
workflow: {
	initial: "open"
	statuses: {
		open: {label: "Open", next: ["closed"]}
		closed: {label: "Closed", next: []}
	}
	roles: clerk: destinations: ["closed"]
}
`), 0o644))

	def, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mini.cue", def.Source)
	assert.Equal(t, status.Key("closed"), def.Registry.Terminal())
	assert.Empty(t, def.AutoChain)
	assert.Empty(t, def.Notifications)

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"))
	require.Error(t, err)
}

func loadErrorCodes(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)

	var codes []string
	var merr interface{ WrappedErrors() []error }
	if errors.As(err, &merr) {
		for _, e := range merr.WrappedErrors() {
			var le *LoadError
			require.ErrorAs(t, e, &le)
			codes = append(codes, le.Code)
		}
		return codes
	}
	var le *LoadError
	require.ErrorAs(t, err, &le)
	return []string{le.Code}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{
			name: "syntax",
			src:  `workflow: {`,
			want: []string{ErrCUE},
		},
		{
			name: "missing workflow",
			src:  `other: 1`,
			want: []string{ErrCUE},
		},
		{
			name: "schema violation",
			src: `workflow: {
				initial: "a"
				statuses: a: {label: 3, next: []}
				roles: {}
			}`,
			want: []string{ErrCUE},
		},
		{
			name: "unknown field rejected by closed schema",
			src: `workflow: {
				initial: "a"
				statuses: a: {label: "A", next: []}
				roles: {}
				colour: "red"
			}`,
			want: []string{ErrCUE},
		},
		{
			name: "graph",
			src: `workflow: {
				initial: "a"
				statuses: {
					a: {label: "A", next: ["b", "ghost"]}
					b: {label: "B", next: []}
				}
				roles: {}
			}`,
			want: []string{ErrRegistry},
		},
		{
			name: "semantic problems are collected",
			src: `workflow: {
				initial: "a"
				statuses: {
					a: {label: "A", next: ["b"]}
					b: {label: "B", next: ["c", "a"]}
					c: {label: "C", next: []}
				}
				aliases: "Nowhere": "zzz"
				roles: r: destinations: ["b", "zzz"]
				suggestions: a: "c"
				auto_chain: {a: "b", b: "a"}
				notifications: c: {type: "t", message: "m", roles: ["nobody"]}
			}`,
			want: []string{ErrAliases, ErrRoleDestination, ErrSuggestionEdge, ErrAutoChainCycle, ErrNotificationRule},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := Parse("test.cue", []byte(tt.src))
			assert.Nil(t, def)
			assert.Equal(t, tt.want, loadErrorCodes(t, err))
		})
	}
}

func TestLoadError_Format(t *testing.T) {
	_, err := Parse("broken.cue", []byte("workflow: {\n\tinitial: \n"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCUE, le.Code)
	assert.Contains(t, le.Error(), "[D100]")
}

func TestFindChainCycle(t *testing.T) {
	assert.Nil(t, findChainCycle(map[status.Key]status.Key{"livre": "termine"}))
	assert.Equal(t, []status.Key{"a", "b", "a"}, findChainCycle(map[status.Key]status.Key{"a": "b", "b": "a"}))
	assert.Equal(t, []status.Key{"x", "x"}, findChainCycle(map[status.Key]status.Key{"x": "x"}))
}
