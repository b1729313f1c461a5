package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/memsync/internal/store"
)

// journalWithActivity loads every collection and creates one member, all
// journaled to a fresh database.
func journalWithActivity(t *testing.T) (dbPath, cfg string) {
	t.Helper()
	f := newFakeServer(t)
	seedMembership(f)
	cfg = writeConfig(t, f.URL(), "")
	dbPath = filepath.Join(t.TempDir(), "journal.db")

	_, err := execute(t, "--config", cfg, "load", "--journal", dbPath)
	require.NoError(t, err)
	_, err = execute(t, "--config", cfg, "mutate", "--journal", dbPath, "create", "member",
		"--data", `{"name":"Grace Hopper","email":"grace@example.com"}`)
	require.NoError(t, err)
	return dbPath, cfg
}

func TestReplayMissingDatabaseFlag(t *testing.T) {
	_, err := execute(t, "replay")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestReplayNonexistentDatabase(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "replay", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "journal not found")
}

func TestReplayEmptyDatabase(t *testing.T) {
	clearEnv(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "replay", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Journal is empty.")
}

func TestReplayText(t *testing.T) {
	dbPath, cfg := journalWithActivity(t)

	out, err := execute(t, "--config", cfg, "replay", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "member     3 records")
	assert.Contains(t, out, "invoice    2 records")
	assert.Contains(t, out, "total_members 3")
	assert.Contains(t, out, "✓ Replay is deterministic")
}

func TestReplayJSONWithState(t *testing.T) {
	dbPath, cfg := journalWithActivity(t)

	out, err := execute(t, "--config", cfg, "--format", "json", "replay", "--db", dbPath, "--state")
	require.NoError(t, err)

	var result ReplayResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Deterministic)
	assert.Positive(t, result.LastSeq)
	assert.Equal(t, int64(3), result.Counters["total_members"])

	var state struct {
		Collections map[string][]struct {
			Fields      map[string]any `json:"fields"`
			Provisional bool           `json:"provisional"`
		} `json:"collections"`
	}
	require.NoError(t, json.Unmarshal(result.State, &state))
	members := state.Collections["member"]
	require.Len(t, members, 3)
	assert.Equal(t, "grace@example.com", members[0].Fields["email"], "the created member is newest")
	assert.False(t, members[0].Provisional)
}

func TestReplayCompact(t *testing.T) {
	dbPath, cfg := journalWithActivity(t)

	out, err := execute(t, "--config", cfg, "--format", "json", "replay", "--db", dbPath)
	require.NoError(t, err)
	var before ReplayResult
	require.NoError(t, json.Unmarshal([]byte(out), &before))

	_, err = execute(t, "--config", cfg, "replay", "--db", dbPath, "--compact")
	require.NoError(t, err)

	out, err = execute(t, "--config", cfg, "--format", "json", "replay", "--db", dbPath)
	require.NoError(t, err)
	var after ReplayResult
	require.NoError(t, json.Unmarshal([]byte(out), &after))

	assert.Equal(t, before.Kinds, after.Kinds, "compaction keeps the restored state")
	assert.Equal(t, before.Counters, after.Counters)
	assert.LessOrEqual(t, after.Changes, before.Changes)
}
