package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/maltedev/olx-scraper/internal/credentials"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd()
	assert.Equal(t, "olx-scraper", cmd.Use)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"extract", "export", "credentials"} {
		assert.True(t, names[want], want)
	}

	flag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, flag)
	assert.Equal(t, "v", flag.Shorthand)
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.Execute()
	return out.String(), err
}

func TestCredentialsSetAndShow(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CREDENTIALS_DIR", dir)
	t.Setenv("CREDENTIALS_DOTENV", filepath.Join(dir, "none.env"))
	t.Setenv(credentials.EnvEmail, "")
	t.Setenv(credentials.EnvPassword, "")

	out, err := run(t, "", "credentials", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "no credentials configured")

	out, err = run(t, "s3gredo\n", "credentials", "set", "--email", "ana@example.pt")
	require.NoError(t, err)
	assert.Contains(t, out, "ana@example.pt")

	out, err = run(t, "", "credentials", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "email: ana@example.pt")
}

func TestExportEmptyStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STORAGE_RESULTS_FILE", filepath.Join(dir, "results.json"))
	t.Setenv("BROWSER_BACKEND", "static")

	out, err := run(t, "", "export", filepath.Join(dir, "out.xlsx"))
	require.NoError(t, err)
	assert.Contains(t, out, "out.xlsx")

	f, err := excelize.OpenFile(filepath.Join(dir, "out.xlsx"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Listings")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestExtractRejectsForeignURL(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STORAGE_RESULTS_FILE", filepath.Join(dir, "results.json"))
	t.Setenv("BROWSER_BACKEND", "static")

	_, err := run(t, "", "extract", "https://www.standvirtual.com/carros/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "olx.pt")
}
