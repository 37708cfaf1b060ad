package backend

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wagiedev/ida-proxy-mcp/internal/errors"
)

// Discover resolves the backend executable named by command.
//
// A command containing a path separator is used as-is and must exist.
// Otherwise it is searched for in:
//  1. The system PATH
//  2. Common user install directories (~/.local/bin, ~/.cargo/bin)
//  3. /usr/local/bin and /usr/bin
//
// Returns BackendNotFoundError listing every location searched.
func Discover(log *slog.Logger, command string) (string, error) {
	if strings.ContainsRune(command, os.PathSeparator) || strings.ContainsRune(command, '/') {
		log.Debug("Using explicit backend path", "command", command)

		if _, err := os.Stat(command); err == nil {
			return command, nil
		}

		return "", &errors.BackendNotFoundError{Command: command, SearchedPaths: []string{command}}
	}

	searchedPaths := make([]string, 0, 5)

	if path, err := exec.LookPath(command); err == nil {
		log.Debug("Found backend command in PATH", "command", command, "path", path)

		return path, nil
	}

	searchedPaths = append(searchedPaths, "$PATH")

	var commonDirs []string

	if homeDir, err := os.UserHomeDir(); err == nil {
		commonDirs = append(commonDirs,
			filepath.Join(homeDir, ".local", "bin"),
			filepath.Join(homeDir, ".cargo", "bin"),
		)
	}

	commonDirs = append(commonDirs, "/usr/local/bin", "/usr/bin")

	for _, dir := range commonDirs {
		path := filepath.Join(dir, command)
		searchedPaths = append(searchedPaths, path)

		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			log.Debug("Found backend command at common path", "path", path)

			return path, nil
		}
	}

	log.Warn("Backend command not found", "command", command, "searched_paths", searchedPaths)

	return "", &errors.BackendNotFoundError{Command: command, SearchedPaths: searchedPaths}
}
