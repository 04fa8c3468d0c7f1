package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/chapterdl/internal/core"
	"github.com/vrsandeep/chapterdl/internal/testutil"
)

type cliEnv struct {
	configPath string
	broker     *testutil.FakeBroker
	opts       []core.Option
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := fmt.Sprintf(`database:
  path: %q
library:
  path: %q
  quota_bytes: 0
log:
  level: disabled
downloader:
  backoff_base_ms: 1
  required_space_bytes: 0
jobs:
  validate_interval: 0
`, filepath.Join(dir, "cli.db"), filepath.Join(dir, "library"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	broker := &testutil.FakeBroker{}
	return &cliEnv{
		configPath: path,
		broker:     broker,
		opts: []core.Option{
			core.WithBroker(broker),
			core.WithExtractor(&testutil.FakeExtractor{Pages: 3}),
			core.WithFetcher(&testutil.FakeFetcher{Data: testutil.PNGPage(t, 4, 4, 10)}),
		},
	}
}

func (e *cliEnv) run(args ...string) (string, string, error) {
	cmd := NewRootCmd(e.opts...)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestFetch(t *testing.T) {
	env := newCLIEnv(t)
	fetch := []string{"fetch", "--series", "s1", "--chapter", "7", "--url", "http://source.test/chapter/abc"}

	out, _, err := env.run(append(fetch, "--quiet")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Downloaded chapter 7 of s1: 3/3 pages")
	assert.Equal(t, []string{"http://source.test/chapter/abc"}, env.broker.Calls())

	out, _, err = env.run(fetch...)
	require.NoError(t, err)
	assert.Contains(t, out, "already downloaded")
	assert.Len(t, env.broker.Calls(), 1, "a stored chapter needs no token")
}

func TestFetch_TokenFailure(t *testing.T) {
	env := newCLIEnv(t)
	env.broker.SetErr(errors.New("token capture timeout"))

	_, _, err := env.run("fetch", "--series", "s1", "--chapter", "1", "--url", "http://source.test/chapter/x", "-q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token acquisition")
}

func TestFetch_RequiresFlags(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run("fetch", "--series", "s1")
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run("fetch", "--series", "s1", "--chapter", "2", "--url", "http://source.test/chapter/abc", "-q")
	require.NoError(t, err)

	out, _, err := env.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue: 0 item(s), running")
	assert.Contains(t, out, "Library: 1 chapter(s)")

	out, _, err = env.run("status", "--json")
	require.NoError(t, err)
	var report StatusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Stats.TotalChapters)
	assert.Empty(t, report.Paused)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}
