package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/evexec/internal/config"
	"github.com/mattjoyce/evexec/internal/lock"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

func writeTestConfig(t *testing.T, root string) string {
	t.Helper()
	t.Setenv("EVEXEC_TEST_SECRET", "very-secret")
	body := `
workspace:
  root: ` + root + `
webhooks:
  listen: 127.0.0.1:0
  endpoints:
    - path: /participant/push
      kind: push
      secret_ref: hook
tokens:
  hook: ${EVEXEC_TEST_SECRET}
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunCLIUsage(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"help"}) })
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "system start")

	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI(nil) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage:")

	code, _, stderr = captureOutputWithExitCode(t, func() int { return runCLI([]string{"bogus"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: bogus")

	code, _, stderr = captureOutputWithExitCode(t, func() int { return runCLI([]string{"system", "explode"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown system action")

	code, _, stderr = captureOutputWithExitCode(t, func() int { return runCLI([]string{"config", "explode"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown config action")
}

func TestVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-01-02T03:04:05+02:00")

	code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"version", "--json"}) })
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, versionInfo{Version: "1.2.3", Commit: "0123456789ab", BuildTime: "2026-01-02T01:04:05Z"}, info)

	code, _, _ = captureOutputWithExitCode(t, func() int { return runCLI([]string{"version", "extra"}) })
	assert.Equal(t, 1, code)
}

func TestConfigCheckShowLock(t *testing.T) {
	path := writeTestConfig(t, t.TempDir())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Config OK")
	assert.Contains(t, stdout, "unlocked")

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "show", "--config", path})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "hook: <redacted>")
	assert.NotContains(t, stdout, "very-secret")

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", filepath.Dir(path)})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, config.ChecksumFile)

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "integrity: verified")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("\n# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "hash mismatch")
}

func TestConfigLockRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  count: -1\n"), 0o644))

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Refusing to lock")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(path), config.ChecksumFile))
}

func TestStartServiceRunsUntilCancelled(t *testing.T) {
	root := t.TempDir()
	cfg, err := config.Load(context.Background(), writeTestConfig(t, root))
	require.NoError(t, err)
	cfg.Webhooks.Listen = freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- startService(ctx, cfg) }()

	lockPath := filepath.Join(root, lock.InstanceLockName)
	require.Eventually(t, func() bool {
		_, err := os.Stat(lockPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	var health struct {
		Status string `json:"status"`
		Stats  struct {
			Pool struct {
				Workers int `json:"workers"`
			} `json:"pool"`
			Coordinator struct {
				Keys int `json:"keys"`
			} `json:"coordinator"`
		} `json:"stats"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Webhooks.Listen + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, cfg.Workers.Count, health.Stats.Pool.Workers)
	assert.Zero(t, health.Stats.Coordinator.Keys)

	_, err = lock.AcquireWorkspaceLock(root)
	require.Error(t, err, "a second instance must not share the workspace")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}

	again, err := lock.AcquireWorkspaceLock(root)
	require.NoError(t, err, "lock is released on shutdown")
	require.NoError(t, again.Release())
}

func TestStartServiceRejectsBadStrategy(t *testing.T) {
	cfg := config.Defaults()
	cfg.Workspace.Root = t.TempDir()
	cfg.Coordinator.Strategy = "spin"
	cfg.Webhooks.Endpoints = config.DefaultEndpoints()

	err := startService(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "strategy"))
}
