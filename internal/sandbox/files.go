package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Host-side workspace file operations. The workspace directory is the same
// tree the container sees at /workspace, so reads and writes here are visible
// to running commands and vice versa — and they work even while no container
// is up.

// FileEntry is one listing row.
type FileEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// resolvePath maps a model-supplied path (absolute under /workspace or
// relative) onto the host workspace directory, rejecting escapes.
func resolvePath(workspaceDir, path string) (string, error) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "/workspace")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		p = "."
	}

	full := filepath.Clean(filepath.Join(workspaceDir, p))
	root := filepath.Clean(workspaceDir)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return full, nil
}

// WriteFile writes content to a workspace file, creating parent directories.
func (m *Manager) WriteFile(key Key, path, content string) error {
	ws, err := m.workspaceDir(key)
	if err != nil {
		return err
	}
	full, err := resolvePath(ws, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadFile returns up to maxLines lines of a workspace file. maxLines <= 0
// means the whole file.
func (m *Manager) ReadFile(key Key, path string, maxLines int) (string, error) {
	ws, err := m.workspaceDir(key)
	if err != nil {
		return "", err
	}
	full, err := resolvePath(ws, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	content := string(data)
	if maxLines <= 0 {
		return content, nil
	}
	lines := strings.SplitAfter(content, "\n")
	if len(lines) <= maxLines {
		return content, nil
	}
	return strings.Join(lines[:maxLines], "") + fmt.Sprintf("[truncated after %d of %d lines]", maxLines, len(lines)), nil
}

// ListFiles lists a workspace directory, optionally recursively. Paths are
// reported relative to /workspace, sorted.
func (m *Manager) ListFiles(key Key, path string, recursive bool) ([]FileEntry, error) {
	ws, err := m.workspaceDir(key)
	if err != nil {
		return nil, err
	}
	full, err := resolvePath(ws, path)
	if err != nil {
		return nil, err
	}

	var entries []FileEntry
	if recursive {
		err = filepath.WalkDir(full, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == full {
				return nil
			}
			rel, _ := filepath.Rel(ws, p)
			info, _ := d.Info()
			var size int64
			if info != nil {
				size = info.Size()
			}
			entries = append(entries, FileEntry{Path: "/workspace/" + filepath.ToSlash(rel), Size: size, IsDir: d.IsDir()})
			return nil
		})
	} else {
		var list []os.DirEntry
		list, err = os.ReadDir(full)
		for _, d := range list {
			rel, _ := filepath.Rel(ws, filepath.Join(full, d.Name()))
			info, _ := d.Info()
			var size int64
			if info != nil {
				size = info.Size()
			}
			entries = append(entries, FileEntry{Path: "/workspace/" + filepath.ToSlash(rel), Size: size, IsDir: d.IsDir()})
		}
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// EditFile replaces search with replace in a workspace file and reports how
// many occurrences changed. Without allOccurrences the search text must match
// exactly once.
func (m *Manager) EditFile(key Key, path, search, replace string, allOccurrences bool) (int, error) {
	if search == "" {
		return 0, fmt.Errorf("search text must not be empty")
	}
	ws, err := m.workspaceDir(key)
	if err != nil {
		return 0, err
	}
	full, err := resolvePath(ws, path)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	content := string(data)
	count := strings.Count(content, search)
	if count == 0 {
		return 0, fmt.Errorf("search text not found in %s", path)
	}
	if count > 1 && !allOccurrences {
		return 0, fmt.Errorf("search text matches %d times in %s; pass all_occurrences to replace every match", count, path)
	}

	var updated string
	if allOccurrences {
		updated = strings.ReplaceAll(content, search, replace)
	} else {
		updated = strings.Replace(content, search, replace, 1)
		count = 1
	}

	if err := os.WriteFile(full, []byte(updated), 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return count, nil
}
