package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrWriteOutsideWorkspace is returned for paths escaping the private area.
	ErrWriteOutsideWorkspace = errors.New("write outside workspace private area")
	// ErrContractsReadOnly is returned for writes into the shared contracts view.
	ErrContractsReadOnly = errors.New("shared contract files are read-only")
)

// Guard enforces the workspace write boundary: every write resolves to a
// path under the private root, never into the contracts view and never
// into another workspace.
type Guard struct {
	root      string
	contracts string
}

// NewGuard creates a guard for the given private root and optional
// contracts directory. Both are made absolute.
func NewGuard(root, contracts string) (*Guard, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	absContracts := ""
	if contracts != "" {
		absContracts, err = filepath.Abs(contracts)
		if err != nil {
			return nil, fmt.Errorf("resolve contracts dir: %w", err)
		}
	}
	return &Guard{root: absRoot, contracts: absContracts}, nil
}

// Resolve maps a relative path to an absolute path under the private root.
// Absolute paths and traversal out of the root are rejected.
func (g *Guard) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q", ErrWriteOutsideWorkspace, rel)
	}
	abs := filepath.Join(g.root, filepath.Clean(rel))
	if abs != g.root && !strings.HasPrefix(abs, g.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrWriteOutsideWorkspace, rel)
	}
	if g.contracts != "" {
		if abs == g.contracts || strings.HasPrefix(abs, g.contracts+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %q", ErrContractsReadOnly, rel)
		}
	}
	return abs, nil
}

// WriteFile resolves rel and writes content, creating parent directories.
func (g *Guard) WriteFile(rel string, content []byte) error {
	abs, err := g.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}
