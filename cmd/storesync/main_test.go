package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("origin: http://shop.test\nresources:\n  comments: {poll: 2m}\n"), 0o644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config", "--config", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "push:   ws://shop.test/ws")
	assert.Contains(t, out.String(), "comments")
	assert.Contains(t, out.String(), "poll=2m0s")
}

func TestCheckConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: release\n"), 0o644))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"check-config", "--config", path})
	assert.Error(t, cmd.Execute())
}
