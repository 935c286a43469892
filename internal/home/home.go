package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the storypress home directory.
	DefaultDirName = ".storypress"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// DBFileName is the order database file name.
	DBFileName = "orders.db"

	// FailuresFileName is the durable prompt-failure log file name.
	FailuresFileName = "prompt_failures.json"
)

// Dir represents the storypress home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.storypress).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// DBPath returns the path to the order database.
func (d *Dir) DBPath() string {
	return filepath.Join(d.path, DBFileName)
}

// FailuresPath returns the path to the prompt-failure log.
func (d *Dir) FailuresPath() string {
	return filepath.Join(d.path, FailuresFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.PagesRoot(), 0o755); err != nil {
		return fmt.Errorf("failed to create pages directory: %w", err)
	}
	if err := os.MkdirAll(d.ExportsDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create exports directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// PagesRoot returns the root directory for generated page images.
func (d *Dir) PagesRoot() string {
	return filepath.Join(d.path, "pages")
}

// PagesDir returns the directory for generated page images of an order.
func (d *Dir) PagesDir(orderID string) string {
	return filepath.Join(d.PagesRoot(), orderID)
}

// PageImagePath returns the path to a specific generated page image.
// Page numbers are 0-indexed; page 0 is the cover.
func (d *Dir) PageImagePath(orderID string, pageNum int) string {
	return filepath.Join(d.PagesDir(orderID), fmt.Sprintf("page_%04d.png", pageNum))
}

// ReferenceImagePath returns the path to an order's stored reference image.
func (d *Dir) ReferenceImagePath(orderID string) string {
	return filepath.Join(d.PagesDir(orderID), "reference.png")
}

// EnsurePagesDir creates the page image directory for an order.
func (d *Dir) EnsurePagesDir(orderID string) error {
	return os.MkdirAll(d.PagesDir(orderID), 0o755)
}

// ExportsDir returns the directory for assembled books.
func (d *Dir) ExportsDir() string {
	return filepath.Join(d.path, "exports")
}

// BookPath returns the path for an order's assembled book.
func (d *Dir) BookPath(orderID string) string {
	return filepath.Join(d.ExportsDir(), fmt.Sprintf("book_%s.pdf", orderID))
}
