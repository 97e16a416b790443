package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	require.Equal(t, version, strings.TrimSpace(out.String()))
}

func TestRunCommandRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  count: 0\n"), 0o600))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--config", path})

	err := root.Execute()
	require.ErrorContains(t, err, "load config")
	require.ErrorContains(t, err, "worker.count")
}

func TestReadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.txt")
	body := "# local feeds\nhttp://a.example/rss\n\n  http://b.example/atom  \n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	links, err := readSeedFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"http://a.example/rss", "http://b.example/atom"}, links)

	_, err = readSeedFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.ErrorContains(t, err, "open seed file")
}

func TestRunCommandRejectsMissingSeedFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "broker:\n  driver: memory\npublisher:\n  driver: memory\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--config", cfgPath, "--seed", filepath.Join(dir, "nope.txt")})

	err := root.Execute()
	require.ErrorContains(t, err, "open seed file")
}
