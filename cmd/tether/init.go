package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/tether/examples"
)

// runInit writes the example config to dir/tether.yaml and creates the
// data directory next to it. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Tether workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s/\n", dataDir)

	// The config may hold API keys.
	configPath := filepath.Join(dir, "tether.yaml")
	wrote, err := writeIfMissing(configPath, examples.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit tether.yaml to point at your model provider and MCP servers,")
	fmt.Fprintln(w, "then run `tether tools sync` to fill in the tool list.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. It reports whether the file was written.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
