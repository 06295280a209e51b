package backup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
)

var ErrToolNotFound = errors.New("postgres client tool not found")

// DefaultSearchDirs lists where PostgreSQL client binaries are usually
// installed, per GOOS. Glob matches are tried in reverse lexical order.
var DefaultSearchDirs = map[string][]string{
	"windows": windowsSearchDirs(),
	"linux": {
		"/usr/lib/postgresql/*/bin",
		"/usr/pgsql-*/bin",
		"/usr/bin",
		"/usr/local/bin",
	},
	"darwin": {
		"/opt/homebrew/opt/postgresql@*/bin",
		"/opt/homebrew/bin",
		"/usr/local/opt/postgresql@*/bin",
		"/usr/local/bin",
		"/Applications/Postgres.app/Contents/Versions/latest/bin",
	},
}

func windowsSearchDirs() []string {
	versions := []string{"17", "16", "15", "14", "13", "12", "11", "10", "9.6"}
	dirs := make([]string, 0, len(versions)*2)
	for _, root := range []string{`C:\Program Files\PostgreSQL`, `C:\Program Files (x86)\PostgreSQL`} {
		for _, v := range versions {
			dirs = append(dirs, filepath.Join(root, v, "bin"))
		}
	}
	return dirs
}

// Tool finds a client binary once and remembers the answer.
type Tool struct {
	Name string
	// Path, when set, is used as is and never searched for.
	Path string
	// SearchDirs overrides DefaultSearchDirs[runtime.GOOS].
	SearchDirs []string

	once     sync.Once
	resolved string
	err      error
}

func NewTool(name, configured string) *Tool {
	return &Tool{Name: name, Path: configured}
}

// Locate returns the binary path: the configured path, the first match in
// the search directories, then whatever PATH yields.
func (t *Tool) Locate() (string, error) {
	t.once.Do(func() {
		t.resolved, t.err = t.locate()
	})
	return t.resolved, t.err
}

func (t *Tool) locate() (string, error) {
	if t.Path != "" {
		if isExecutable(t.Path) {
			return t.Path, nil
		}
		return "", fmt.Errorf("%w: configured %s path %s is not executable", ErrToolNotFound, t.Name, t.Path)
	}

	bin := t.Name
	if runtime.GOOS == "windows" {
		bin += ".exe"
	}
	dirs := t.SearchDirs
	if dirs == nil {
		dirs = DefaultSearchDirs[runtime.GOOS]
	}
	for _, dir := range dirs {
		matches, _ := filepath.Glob(dir)
		if len(matches) == 0 {
			matches = []string{dir}
		}
		for i := len(matches) - 1; i >= 0; i-- {
			candidate := filepath.Join(matches[i], bin)
			if isExecutable(candidate) {
				return candidate, nil
			}
		}
	}

	p, err := exec.LookPath(t.Name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrToolNotFound, t.Name, err)
	}
	return p, nil
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return fi.Mode()&0o111 != 0
}
