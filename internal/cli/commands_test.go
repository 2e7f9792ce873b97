package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/status"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "atelier.db")
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestJobLifecycle(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "--db", db, "job", "create", "job-42", "--created-by", "u1", "--equipment", "offset", "--meta", "client=ACME")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ Created job-42 (En cours)")

	_, err = execute(t, "--db", db, "job", "create", "job-7", "--status", "Prêt impression")
	require.NoError(t, err)

	out, err = execute(t, "--db", db, "job", "attach", "job-42", "bat.pdf", "--id", "f1", "--size", "2048")
	require.NoError(t, err, out)

	out, err = execute(t, "--db", db, "--format", "json", "job", "show", "job-42")
	require.NoError(t, err, out)
	var detail JobDetail
	decodeData(t, out, &detail)
	assert.Equal(t, status.Key("en_cours"), detail.Job.Status)
	assert.Equal(t, "En cours", detail.Label)
	assert.Equal(t, "ACME", detail.Job.Metadata["client"])
	require.Len(t, detail.Attachments, 1)
	assert.Equal(t, "bat.pdf", detail.Attachments[0].Name)

	out, err = execute(t, "--db", db, "--format", "json", "job", "list", "--status", "A imprimer")
	require.NoError(t, err, out)
	var jobs []job.WorkOrder
	decodeData(t, out, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-7", jobs[0].ID)

	out, err = execute(t, "--db", db, "job", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "job-42")
	assert.Contains(t, out, "job-7")

	_, err = execute(t, "--db", db, "job", "list", "--status", "archive")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = execute(t, "--db", db, "job", "delete", "job-42", "job-7", "ghost")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ Deleted 2 of 3")

	out, err = execute(t, "--db", db, "job", "show", "job-42")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [NotFound]")
}

func TestJobCreateErrors(t *testing.T) {
	db := tempDB(t)

	_, err := execute(t, "--db", db, "job", "create", "job-1")
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "job", "create", "job-1")
	require.Error(t, err)
	assert.Contains(t, out, "Error [RemoteRejection]")

	out, err = execute(t, "--db", db, "job", "create", "job-2", "--status", "archive")
	require.Error(t, err)
	assert.Contains(t, out, "Error [RemoteRejection]")

	out, err = execute(t, "--db", db, "--format", "json", "job", "create")
	require.NoError(t, err, out)
	var created job.WorkOrder
	decodeData(t, out, &created)
	assert.Len(t, created.ID, 36)
}

func TestMoveAndHistory(t *testing.T) {
	db := tempDB(t)
	_, err := execute(t, "--db", db, "job", "create", "job-42", "--created-by", "u1", "--equipment", "offset")
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "transitions", "job-42", "--actor", "u1", "--role", "preparateur")
	require.NoError(t, err, out)
	assert.Contains(t, out, "-> pret_impression (Prêt impression)")

	out, err = execute(t, "--db", db, "suggest", "job-42", "--actor", "u1", "--role", "preparateur")
	require.NoError(t, err, out)
	assert.Contains(t, out, "job-42: pret_impression")

	out, err = execute(t, "--db", db, "move", "job-42", "Prêt impression", "--actor", "u1", "--role", "preparateur", "--reason", "BAT signé")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ job-42 -> pret_impression")
	assert.Contains(t, out, "notified dossier_ready_for_print [imprimeur]")

	out, err = execute(t, "--db", db, "move", "job-42", "en_impression", "--actor", "u1", "--role", "preparateur")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [RoleNotPermitted]")

	out, err = execute(t, "--db", db, "move", "job-42", "Printing", "--actor", "p2", "--role", "imprimeur", "--equipment", "numerique")
	require.Error(t, err)
	assert.Contains(t, out, "Error [AffinityViolation]")

	out, err = execute(t, "--db", db, "--format", "json", "history", "job-42")
	require.NoError(t, err, out)
	var history HistoryResult
	decodeData(t, out, &history)
	require.Len(t, history.Entries, 1)
	assert.Equal(t, status.Key("en_cours"), history.Entries[0].From)
	assert.Equal(t, status.Key("pret_impression"), history.Entries[0].To)
	assert.Equal(t, "BAT signé", history.Entries[0].Reason)
}

func TestMoveReportsAutoChain(t *testing.T) {
	db := tempDB(t)
	_, err := execute(t, "--db", db, "job", "create", "job-9", "--status", "en_livraison", "--created-by", "u1")
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "--format", "json", "move", "job-9", "Livré", "--actor", "l1", "--role", "livreur")
	require.NoError(t, err, out)

	var result MoveResult
	decodeData(t, out, &result)
	assert.Equal(t, status.Key("termine"), result.Job.Status)
	require.Len(t, result.Chained, 1)
	assert.Equal(t, ChainResult{From: "livre", To: "termine", OK: true}, result.Chained[0])
	require.Len(t, result.Notifications, 1)
	assert.Equal(t, "dossier_delivered", result.Notifications[0].Type)
	assert.Equal(t, []string{"u1"}, result.Notifications[0].TargetUsers)

	out, err = execute(t, "--db", db, "history", "job-9")
	require.NoError(t, err)
	assert.Contains(t, out, "livre -> termine")
	assert.Contains(t, out, "[auto]")
}

func TestGraphCommand(t *testing.T) {
	out, err := execute(t, "graph")
	require.NoError(t, err, out)
	assert.Contains(t, out, "en_cours (En cours) [initial]")
	assert.Contains(t, out, "termine (Terminé) [terminal]")
	assert.Contains(t, out, "  -> termine (suggested) (auto)")
	assert.Contains(t, out, "  notifies dossier_delivered")
	assert.Contains(t, out, "  admin:  [force]")

	out, err = execute(t, "--format", "json", "graph")
	require.NoError(t, err)
	var g GraphResult
	decodeData(t, out, &g)
	require.Len(t, g.Statuses, 9)
	assert.True(t, g.Statuses[0].Initial)
	assert.Equal(t, status.Key("termine"), g.Statuses[7].AutoChain)
	require.Len(t, g.Roles, 4)
	assert.Equal(t, "imprimeur", g.Roles[1].Role)
	assert.Equal(t, []status.Key{"a_revoir", "en_impression", "imprime", "pret_livraison"}, g.Roles[1].Destinations)
	assert.True(t, g.Roles[1].Affinity)
}

func TestNormalizeCommand(t *testing.T) {
	out, err := execute(t, "normalize", "Prêt impression", "Clos", "archive")
	require.NoError(t, err)
	assert.Contains(t, out, `✓ "Prêt impression" -> pret_impression (Prêt impression)`)
	assert.Contains(t, out, `✓ "Clos" -> termine (Terminé)`)
	assert.Contains(t, out, `✗ "archive" -> archive (unknown)`)

	out, err = execute(t, "--format", "json", "normalize", "Rework")
	require.NoError(t, err)
	var got []Normalization
	decodeData(t, out, &got)
	assert.Equal(t, []Normalization{{Input: "Rework", Key: "a_revoir", Valid: true, Label: "À revoir"}}, got)
}

func TestCustomDefinitionFlag(t *testing.T) {
	path := writeDefinition(t, tinyDefinition)
	out, err := execute(t, "--definition", path, "normalize", "b")
	require.NoError(t, err)
	assert.Contains(t, out, `✓ "b" -> b (B)`)
}

func TestWatchRequiresRedis(t *testing.T) {
	t.Setenv("ATELIER_REDIS_ENABLED", "false")
	_, err := execute(t, "watch")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "redis.enabled")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", "/nonexistent/atelier.yaml", "graph")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
