package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ddlbot/internal/pusher"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func testConfig(t *testing.T) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/undoneList", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"siteNum":1,"undoneNum":1,"undoneList":[{"siteId":1,"activityName":"essay","activityId":"a1","type":4,"endTime":"2024-03-01 23:59:00"}]}`)
	})
	mux.HandleFunc("/homework", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"assignmentContent":"","assignmentBeginTime":"","isOvertimeCommit":1}`)
	})
	mux.HandleFunc("/hook", func(w http.ResponseWriter, _ *http.Request) {})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "config.yaml")
	src := fmt.Sprintf(`
telegram: {disabled: true}
logging: {level: error}
ucloud: {base_url: %q, detail_rate: -1}
storage: {driver: file, path: %q}
webhook: {url: %q}
`, srv.URL, filepath.Join(t.TempDir(), "ledger.jsonl"), srv.URL+"/hook")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "today")
	out, err := run(t, "version")
	require.NoError(t, err)
	require.Equal(t, "ddlbot 1.2.3 (commit: abc, built: today)\n", out)
}

func TestCheck(t *testing.T) {
	path := testConfig(t)
	out, err := run(t, "check", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "ok")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"telegram":{"disabled":true},"typo":1}`), 0o600))
	_, err = run(t, "check", "-c", bad)
	require.ErrorContains(t, err, "unknown field")
}

func TestPushThenPurge(t *testing.T) {
	path := testConfig(t)

	out, err := run(t, "push", "--json", "-c", path)
	require.NoError(t, err)
	var rep pusher.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Equal(t, pusher.TriggerCLI, rep.Trigger)
	require.Equal(t, []string{"a1"}, rep.Unseen)

	// The file ledger persists across processes.
	out, err = run(t, "push", "-c", path)
	require.NoError(t, err)
	require.Contains(t, out, "outstanding: 1, new: 0")

	out, err = run(t, "purge", "-c", path)
	require.NoError(t, err)
	require.Equal(t, "Database cleared\n", out)

	out, err = run(t, "push", "-c", path)
	require.NoError(t, err)
	require.Contains(t, out, "new: 1")
}
