package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/greenstalk/leafpress/engine"
)

// ResolveBundle locates the runtime bundle (engine.ArchiveName). The
// locator may name the bundle file itself or a directory containing it;
// when empty, the standard candidates are tried in order: next to the
// executable, the executable's assets subdirectory, the local build output,
// and finally the bare name in the working directory.
func ResolveBundle(locator string) (string, error) {
	var candidates []string

	if locator != "" {
		if fi, err := os.Stat(locator); err == nil && fi.IsDir() {
			candidates = append(candidates, filepath.Join(locator, engine.ArchiveName))
		} else {
			candidates = append(candidates, locator)
		}
	}

	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, engine.ArchiveName),
			filepath.Join(dir, "assets", engine.ArchiveName),
		)
	}

	candidates = append(candidates,
		filepath.Join("build", "assets", engine.ArchiveName),
		engine.ArchiveName,
	)

	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("bridge: %s not found (tried %s)",
		engine.ArchiveName, strings.Join(candidates, ", "))
}
