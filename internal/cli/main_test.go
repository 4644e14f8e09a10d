package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// withStore points the commands at a fresh SQLite file.
func withStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timeledger.db")
	t.Setenv("TIMELEDGER_STORE_DRIVER", "sqlite")
	t.Setenv("TIMELEDGER_STORE_PATH", path)
	t.Setenv("TIMELEDGER_LOG_LEVEL", "error")
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// decode unmarshals the data field of a JSON response into v.
func decode(t *testing.T, out string, v any) Response {
	t.Helper()
	var env struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &env), out)
	if v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
	return env.Response
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const dayEvents = `{"subject_id":"alice","source":"USER_LOGIN","timestamp":"2026-10-12T09:00:00Z","origin_id":"laptop"}
{"subject_id":"alice","source":"USER_LOGOUT","timestamp":"2026-10-12T17:00:00Z","origin_id":"laptop"}
`

func writeScenarioFile(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
}
