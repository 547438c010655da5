package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var errPathEscapes = errors.New("path escapes configured folders")

// FileStorage defines the interface for file storage operations
type FileStorage interface {
	// SaveFile atomically writes content to the specified full path,
	// creating parent directories if needed
	SaveFile(ctx context.Context, fullPath string, content []byte) error

	// CopyFile copies src to dst, replacing dst
	CopyFile(ctx context.Context, src, dst string) error

	// ValidatePath checks the path stays within one of the storage roots
	ValidatePath(fullPath string) error
}

// LocalFileStorage implements FileStorage for the local filesystem.
// Writes go to a temporary sibling first and are renamed into place, so watchers
// never observe a half-written file.
type LocalFileStorage struct {
	roots  []string
	retry  *RetryStrategy
	logger *zap.Logger
}

// NewLocalFileStorage creates a new LocalFileStorage limited to the given roots
func NewLocalFileStorage(roots []string, retry *RetryStrategy, logger *zap.Logger) *LocalFileStorage {
	if retry == nil {
		retry = NewRetryStrategy()
	}
	return &LocalFileStorage{
		roots:  roots,
		retry:  retry,
		logger: logger,
	}
}

// WriteFile implements the writer used by the QR generator and stamper
func (s *LocalFileStorage) WriteFile(fullPath string, content []byte) error {
	return s.SaveFile(context.Background(), fullPath, content)
}

// SaveFile writes content to the specified full path
func (s *LocalFileStorage) SaveFile(ctx context.Context, fullPath string, content []byte) error {
	if err := s.ValidatePath(fullPath); err != nil {
		return err
	}

	err := s.retry.Do(ctx, "write", fullPath, func() error {
		return writeAtomic(fullPath, content)
	})
	if err != nil {
		s.logger.Error("Failed to write file",
			zap.String("path", fullPath),
			zap.Error(err))
		return err
	}

	s.logger.Debug("File saved successfully",
		zap.String("path", fullPath),
		zap.Int("size", len(content)))

	return nil
}

// CopyFile copies src to dst with retries
func (s *LocalFileStorage) CopyFile(ctx context.Context, src, dst string) error {
	if err := s.ValidatePath(dst); err != nil {
		return err
	}

	err := s.retry.Do(ctx, "copy", src, func() error {
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()

		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		return writeAtomic(dst, data)
	})
	if err != nil {
		s.logger.Error("Failed to copy file",
			zap.String("src", src),
			zap.String("dst", dst),
			zap.Error(err))
		return err
	}

	s.logger.Debug("File copied", zap.String("src", src), zap.String("dst", dst))
	return nil
}

// ValidatePath checks that the path is safe and within one of the roots
func (s *LocalFileStorage) ValidatePath(fullPath string) error {
	if len(s.roots) == 0 {
		return nil
	}

	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	for _, root := range s.roots {
		absBase, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if strings.HasPrefix(absPath, absBase+string(filepath.Separator)) || absPath == absBase {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", errPathEscapes, fullPath)
}

func writeAtomic(fullPath string, content []byte) error {
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
