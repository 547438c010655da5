package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Folders are the well-known locations the fiscalizer reads and writes
type Folders struct {
	Input   string // invoices waiting to be processed
	Output  string // stamped PDFs
	Posting string // outbound posting files read by the fiscal device
	Sent    string // inbound response files
	Fail    string // inbound failure markers
	QR      string // generated QR images
	Work    string // temporary working copies
}

// All returns every configured folder, skipping empty entries
func (f Folders) All() []string {
	var dirs []string
	for _, dir := range []string{f.Input, f.Output, f.Posting, f.Sent, f.Fail, f.QR, f.Work} {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

var unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

// FolderManager bootstraps and lists the working folders
type FolderManager struct {
	folders Folders
	logger  *zap.Logger
}

// NewFolderManager creates a new FolderManager
func NewFolderManager(folders Folders, logger *zap.Logger) *FolderManager {
	return &FolderManager{
		folders: folders,
		logger:  logger,
	}
}

// Folders returns the managed folder set
func (m *FolderManager) Folders() Folders {
	return m.folders
}

// EnsureFolders creates every configured folder that does not exist yet
func (m *FolderManager) EnsureFolders() error {
	for _, dir := range m.folders.All() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			m.logger.Error("Failed to create folder",
				zap.String("folder_path", dir),
				zap.Error(err))
			return fmt.Errorf("failed to create folder %s: %w", dir, err)
		}
	}

	m.logger.Debug("Folders ready", zap.Strings("folders", m.folders.All()))
	return nil
}

// FolderExists checks if a folder exists
func (m *FolderManager) FolderExists(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// ListInputFiles returns the regular files of the input folder sorted by name
func (m *FolderManager) ListInputFiles() ([]string, error) {
	entries, err := os.ReadDir(m.folders.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to list input folder: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(m.folders.Input, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// SanitizeFileName returns a filesystem-safe version of the name
// Removes path separators and special characters to prevent directory traversal
func (m *FolderManager) SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "")
	name = strings.ReplaceAll(name, "\\", "")
	return unsafeNameRe.ReplaceAllString(name, "")
}
