package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileTools lists, reads, writes and edits files inside a workspace
// (the project root).
type FileTools struct {
	workspacePath string
}

// NewFileTools creates a new FileTools instance.
func NewFileTools(workspacePath string) *FileTools {
	return &FileTools{workspacePath: workspacePath}
}

// resolvePath converts directory/filename to an absolute path within the
// workspace. Relative directories are taken relative to the workspace.
func (ft *FileTools) resolvePath(directory, filename string) (string, error) {
	if ft.workspacePath == "" {
		return "", fmt.Errorf("workspace not configured")
	}

	workspaceAbs, err := filepath.Abs(ft.workspacePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	path := filepath.Join(directory, filename)
	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath = filepath.Join(workspaceAbs, path)
	}

	if absPath != workspaceAbs && !strings.HasPrefix(absPath, workspaceAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}

	return absPath, nil
}

// List returns the entries of directory, directories first, each
// prefixed with "/ " (directory) or two spaces (file).
func (ft *FileTools) List(directory string) (string, error) {
	dir, err := ft.resolvePath(directory, "")
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("directory does not exist: %s", directory)
	}
	if err != nil {
		return "", err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	if len(entries) == 0 {
		return "(empty)", nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		prefix := "  "
		if e.IsDir() {
			prefix = "/ "
		}
		lines = append(lines, prefix+e.Name())
	}
	return strings.Join(lines, "\n"), nil
}

// Read returns the contents of a file.
func (ft *FileTools) Read(directory, filename string) (string, error) {
	path, err := ft.resolvePath(directory, filename)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("file not found: %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

// Write creates or overwrites a file, creating parent directories.
func (ft *FileTools) Write(directory, filename, content string) (string, error) {
	path, err := ft.resolvePath(directory, filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return "ok: wrote " + path, nil
}

// Edit replaces the first exact occurrence of search with replace.
func (ft *FileTools) Edit(directory, filename, search, replace string) (string, error) {
	path, err := ft.resolvePath(directory, filename)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("file not found: %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	original := string(data)
	if !strings.Contains(original, search) {
		return "", fmt.Errorf("search string not found in %s", path)
	}
	updated := strings.Replace(original, search, replace, 1)

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return "ok: edited " + path, nil
}

// Tool returns the "file" capability.
func (ft *FileTools) Tool() *Tool {
	return &Tool{
		Name:        "file",
		Description: "Read, write, edit, or list files on the filesystem.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode": map[string]any{
					"type":        "string",
					"enum":        []string{"list", "read", "write", "edit"},
					"description": "Operation to perform.",
				},
				"directory": map[string]any{
					"type":        "string",
					"description": "Target directory path. Relative paths are resolved against the project root.",
				},
				"filename": map[string]any{
					"type":        "string",
					"description": "Filename. Required for read, write, edit.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "File content. Required for write.",
				},
				"search": map[string]any{
					"type":        "string",
					"description": "Exact string to find. Required for edit.",
				},
				"replace": map[string]any{
					"type":        "string",
					"description": "String to replace with. Required for edit.",
				},
			},
			"required": []string{"mode", "directory"},
		},
		Handler: ft.handle,
	}
}

func (ft *FileTools) handle(_ context.Context, args map[string]any) (string, error) {
	mode := stringArg(args, "mode")
	directory := stringArg(args, "directory")

	if mode == "list" {
		return ft.List(directory)
	}

	filename := stringArg(args, "filename")
	if filename == "" {
		return "", fmt.Errorf("filename required for %s", mode)
	}

	switch mode {
	case "read":
		return ft.Read(directory, filename)
	case "write":
		content, ok := args["content"].(string)
		if !ok {
			return "", fmt.Errorf("content required for write")
		}
		return ft.Write(directory, filename, content)
	case "edit":
		search, okSearch := args["search"].(string)
		replace, okReplace := args["replace"].(string)
		if !okSearch || !okReplace {
			return "", fmt.Errorf("search and replace required for edit")
		}
		return ft.Edit(directory, filename, search, replace)
	default:
		return "", fmt.Errorf("unknown mode: %s", mode)
	}
}
