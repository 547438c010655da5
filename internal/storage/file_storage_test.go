package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetry() *RetryStrategy {
	return &RetryStrategy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestLocalFileStorage_SaveFile(t *testing.T) {
	tempDir := t.TempDir()
	logger, _ := zap.NewDevelopment()
	fs := NewLocalFileStorage([]string{tempDir}, fastRetry(), logger)
	ctx := context.Background()

	t.Run("saves file successfully", func(t *testing.T) {
		fullPath := filepath.Join(tempDir, "posting", "SI_KE00001017.txt")
		content := []byte("\"KE00001017\"@1j\n")

		err := fs.SaveFile(ctx, fullPath, content)

		require.NoError(t, err)
		savedContent, err := os.ReadFile(fullPath)
		require.NoError(t, err)
		assert.Equal(t, content, savedContent)
	})

	t.Run("overwrites existing file and leaves no temp files", func(t *testing.T) {
		fullPath := filepath.Join(tempDir, "overwrite", "file.txt")

		require.NoError(t, fs.SaveFile(ctx, fullPath, []byte("original")))
		require.NoError(t, fs.SaveFile(ctx, fullPath, []byte("updated")))

		content, _ := os.ReadFile(fullPath)
		assert.Equal(t, []byte("updated"), content)

		entries, err := os.ReadDir(filepath.Dir(fullPath))
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("WriteFile delegates to SaveFile", func(t *testing.T) {
		fullPath := filepath.Join(tempDir, "qr", "KE00001017.png")
		require.NoError(t, fs.WriteFile(fullPath, []byte{0x89, 'P', 'N', 'G'}))
		assert.FileExists(t, fullPath)
	})
}

func TestLocalFileStorage_CopyFile(t *testing.T) {
	tempDir := t.TempDir()
	fs := NewLocalFileStorage([]string{tempDir}, fastRetry(), zap.NewNop())

	src := filepath.Join(tempDir, "in.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4"), 0644))

	dst := filepath.Join(tempDir, "work", "Temp_KE00001017.pdf")
	require.NoError(t, fs.CopyFile(context.Background(), src, dst))

	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), content)

	t.Run("missing source fails without retrying", func(t *testing.T) {
		err := fs.CopyFile(context.Background(), filepath.Join(tempDir, "missing.pdf"), dst)

		var ioErr *models.IOError
		require.True(t, errors.As(err, &ioErr))
		assert.Equal(t, 1, ioErr.Attempts)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestLocalFileStorage_ValidatePath(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	fs := NewLocalFileStorage([]string{rootA, rootB}, nil, zap.NewNop())

	t.Run("accepts paths in any root", func(t *testing.T) {
		assert.NoError(t, fs.ValidatePath(filepath.Join(rootA, "file.pdf")))
		assert.NoError(t, fs.ValidatePath(filepath.Join(rootB, "nested", "file.pdf")))
	})

	t.Run("rejects path outside roots", func(t *testing.T) {
		err := fs.ValidatePath("/etc/passwd")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "escapes")
	})

	t.Run("rejects path traversal attempt", func(t *testing.T) {
		assert.Error(t, fs.ValidatePath(filepath.Join(rootA, "..", "..", "etc", "passwd")))
	})

	t.Run("rejects path with similar prefix", func(t *testing.T) {
		assert.Error(t, fs.ValidatePath(rootA+"_malicious/file.txt"))
	})
}

func TestRetryStrategy_Do(t *testing.T) {
	s := fastRetry()

	t.Run("retries transient failures", func(t *testing.T) {
		calls := 0
		err := s.Do(context.Background(), "write", "x", func() error {
			calls++
			if calls < 3 {
				return errors.New("sharing violation")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := s.Do(context.Background(), "write", "x", func() error {
			calls++
			return errors.New("device busy")
		})

		var ioErr *models.IOError
		require.True(t, errors.As(err, &ioErr))
		assert.Equal(t, 3, ioErr.Attempts)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := s.Do(ctx, "write", "x", func() error { return errors.New("busy") })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryStrategy_CalculateBackoff(t *testing.T) {
	s := &RetryStrategy{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, s.CalculateBackoff(1))
	assert.Equal(t, 200*time.Millisecond, s.CalculateBackoff(2))
	assert.Equal(t, 300*time.Millisecond, s.CalculateBackoff(3))

	s.Jitter = true
	for i := 0; i < 20; i++ {
		backoff := s.CalculateBackoff(2)
		assert.GreaterOrEqual(t, backoff, 180*time.Millisecond)
		assert.LessOrEqual(t, backoff, 220*time.Millisecond)
	}
}
