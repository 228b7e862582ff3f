package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// PathResolver finds index files relative to the places a user is likely to
// keep them: the working directory, the executable and the config directory.
type PathResolver struct {
	executableDir string
	workDir       string
	configDir     string
}

// NewPathResolver creates a resolver. configDir may be empty.
func NewPathResolver(configDir string) (*PathResolver, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = resolved
	}
	workDir, err := os.Getwd()
	if err != nil {
		log.Warnf("Could not determine working directory: %v", err)
	}
	pr := &PathResolver{
		executableDir: filepath.Dir(execPath),
		workDir:       workDir,
		configDir:     configDir,
	}
	log.Debugf("PathResolver initialized: execDir=%s, workDir=%s, configDir=%s",
		pr.executableDir, pr.workDir, pr.configDir)
	return pr, nil
}

// Candidates lists where path is looked up, in order. Absolute paths are
// returned as the only candidate.
func (pr *PathResolver) Candidates(path string) []string {
	if filepath.IsAbs(path) {
		return []string{path}
	}
	var out []string
	for _, dir := range []string{pr.workDir, pr.executableDir, pr.configDir} {
		if dir != "" {
			out = append(out, filepath.Join(dir, path))
		}
	}
	if pr.configDir != "" {
		out = append(out, filepath.Join(pr.configDir, "data", filepath.Base(path)))
	}
	return out
}

// ResolveFile returns the first candidate for path that is a regular file.
func (pr *PathResolver) ResolveFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no file given")
	}
	candidates := pr.Candidates(path)
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			log.Debugf("Resolved %s to %s", path, c)
			return c, nil
		}
		log.Debugf("Candidate not found: %s", c)
	}
	return "", fmt.Errorf("%s not found in %v: %w", path, candidates, os.ErrNotExist)
}
