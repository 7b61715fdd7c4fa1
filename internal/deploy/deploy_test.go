package deploy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/estelle/pylon/internal/common/errors"
	"github.com/estelle/pylon/internal/common/logger"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deploy.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestDeployGuards(t *testing.T) {
	r := NewRunner("release", "/bin/true", t.TempDir(), logger.Default())

	_, err := r.Deploy(context.Background(), "release")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	_, err = r.Deploy(context.Background(), "promote")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	_, err = r.Deploy(context.Background(), "production")
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidInput(err))
}

func TestPromoteAllowedFromStage(t *testing.T) {
	script := writeScript(t, `echo "promoting $1"`)
	r := NewRunner("stage", script, t.TempDir(), logger.Default())

	out, err := r.Deploy(context.Background(), "promote")
	require.NoError(t, err)
	assert.Contains(t, out, "promoting promote")
}

func TestDeployWritesPerTargetLog(t *testing.T) {
	script := writeScript(t, `echo "deploying $1"`)
	logDir := t.TempDir()
	r := NewRunner("dev", script, logDir, logger.Default())

	out, err := r.Deploy(context.Background(), "stage")
	require.NoError(t, err)
	assert.Contains(t, out, "deploying stage")

	data, err := os.ReadFile(filepath.Join(logDir, "deploy-stage.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "target=stage")
	assert.Contains(t, string(data), "deploying stage")

	// A second run appends.
	_, err = r.Deploy(context.Background(), "stage")
	require.NoError(t, err)
	data, _ = os.ReadFile(filepath.Join(logDir, "deploy-stage.log"))
	assert.Equal(t, 2, strings.Count(string(data), "target=stage"))
}

func TestDeployScriptFailure(t *testing.T) {
	script := writeScript(t, `echo "boom"; exit 3`)
	r := NewRunner("dev", script, t.TempDir(), logger.Default())

	out, err := r.Deploy(context.Background(), "stage")
	require.Error(t, err)
	assert.Contains(t, out, "boom")
}

func TestTailTruncation(t *testing.T) {
	big := strings.Repeat("x", tailBytes*2)
	tail := tailOf([]byte(big))
	assert.Len(t, tail, tailBytes)
}
