package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// maxIncludeDepth bounds nested includes so a cycle that slips past the
// visited check still terminates.
const maxIncludeDepth = 10

// processIncludes overlays every file named by cfg.Includes onto cfg, in
// order, resolving relative patterns against basePath. Included files may
// themselves carry includes; visited holds the absolute paths already merged
// so a cycle fails loudly instead of recursing.
func processIncludes(cfg *Config, basePath string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: nesting deeper than %d levels", maxIncludeDepth)
	}
	if visited == nil {
		visited = make(map[string]bool)
	}

	for _, pattern := range cfg.Includes {
		paths, err := expandIncludePattern(pattern, basePath)
		if err != nil {
			return err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("config includes: resolve %q: %w", p, err)
			}
			if visited[abs] {
				return fmt.Errorf("config includes: %q included twice (cycle?)", abs)
			}
			visited[abs] = true

			if err := mergeIncludedFile(cfg, abs, visited, depth+1); err != nil {
				return err
			}
		}
	}

	// Consumed; a later unmarshal pass must not replay them.
	cfg.Includes = nil
	return nil
}

// expandIncludePattern turns one include entry into concrete file paths.
// Relative patterns resolve under baseDir and may not escape it; glob
// patterns that match nothing are fine, a literal path that matches nothing
// is left for mergeIncludedFile to report.
func expandIncludePattern(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && len(rel) >= 2 && rel[:2] == ".." {
		return nil, fmt.Errorf("config includes: %q escapes the config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		if !hasGlobMeta(pattern) {
			return []string{pattern}, nil
		}
		return nil, nil
	}
	return matches, nil
}

func hasGlobMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// mergeIncludedFile unmarshals one YAML file on top of cfg and recurses into
// any includes the file declares, resolved against its own directory.
func mergeIncludedFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	// Reset so only this file's includes are seen below.
	cfg.Includes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}

	if len(cfg.Includes) > 0 {
		return processIncludes(cfg, filepath.Dir(path), visited, depth)
	}
	return nil
}
