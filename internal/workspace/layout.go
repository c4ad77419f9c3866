package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultRoot is the workspace root used when none is configured.
	DefaultRoot = "/app"

	// DefaultTasksPath is where task sources live, relative to both the
	// participant repository and the host project.
	DefaultTasksPath = "src/main/java/test/parent"

	// parentCopyName is the overlay copy of the shared parent tree inside a
	// participant directory.
	parentCopyName = "parent"
)

// Layout composes every filesystem path a pipeline touches. All paths live
// under Root: one directory per participant key, holding the participant's
// clone and an overlay copy of the shared parent project tree.
//
//	<root>/<key>/<participant repo>/<tasks>      cloned sources
//	<root>/<key>/parent/<host repo>/<tasks>      copied parent project
type Layout struct {
	Root      string
	ParentDir string
	TasksPath string
}

// NewLayout validates and normalises the layout. parentDir defaults to
// <root>/parent and tasksPath to DefaultTasksPath.
func NewLayout(root, parentDir, tasksPath string) (Layout, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return Layout{}, fmt.Errorf("workspace root is empty")
	}
	root = filepath.Clean(root)

	parentDir = strings.TrimSpace(parentDir)
	if parentDir == "" {
		parentDir = filepath.Join(root, parentCopyName)
	}

	tasksPath = strings.Trim(strings.TrimSpace(tasksPath), "/")
	if tasksPath == "" {
		tasksPath = DefaultTasksPath
	}
	if filepath.IsAbs(tasksPath) || strings.HasPrefix(filepath.Clean(tasksPath), "..") {
		return Layout{}, fmt.Errorf("tasks path %q must be relative and stay inside the project", tasksPath)
	}

	parentDir = filepath.Clean(parentDir)
	if contains(parentDir, root) {
		return Layout{}, fmt.Errorf("parent dir %q must not contain the workspace root %q", parentDir, root)
	}

	return Layout{
		Root:      root,
		ParentDir: parentDir,
		TasksPath: filepath.Clean(tasksPath),
	}, nil
}

// Prepare creates the workspace root if it does not exist.
func (l Layout) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}
	return nil
}

// ParticipantDir is <root>/<key>.
func (l Layout) ParticipantDir(key string) string {
	return filepath.Join(l.Root, key)
}

// RepoDir is the participant's clone, <root>/<key>/<repo>.
func (l Layout) RepoDir(key, repo string) string {
	return filepath.Join(l.ParticipantDir(key), repo)
}

// ParentCopyDir is the overlay copy of the parent tree, <root>/<key>/parent.
func (l Layout) ParentCopyDir(key string) string {
	return filepath.Join(l.ParticipantDir(key), parentCopyName)
}

// ProjectDir is the host project inside the parent copy, where builds run.
func (l Layout) ProjectDir(key, hostRepo string) string {
	return filepath.Join(l.ParentCopyDir(key), hostRepo)
}

// TasksSource is the task directory inside the participant's clone.
func (l Layout) TasksSource(key, repo string) string {
	return filepath.Join(l.RepoDir(key, repo), l.TasksPath)
}

// TasksTarget is the task directory inside the copied host project.
func (l Layout) TasksTarget(key, hostRepo string) string {
	return filepath.Join(l.ProjectDir(key, hostRepo), l.TasksPath)
}

// ValidateSegment checks that name can be used as a single path element
// under the workspace root.
func ValidateSegment(field, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%s is empty", field)
	}
	if trimmed != name {
		return fmt.Errorf("%s %q has surrounding whitespace", field, name)
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("%s %q is invalid", field, name)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("%s %q must not contain path separators", field, name)
	}
	if strings.HasPrefix(trimmed, "-") {
		return fmt.Errorf("%s %q must not start with '-'", field, name)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("%s %q is invalid", field, name)
	}
	return nil
}

// ValidateKey checks that key is a usable participant key for this layout.
// Dot-prefixed names are reserved for files the service keeps in the root,
// and a key must not map onto the shared parent tree.
func (l Layout) ValidateKey(key string) error {
	if err := ValidateSegment("participant key", key); err != nil {
		return err
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("participant key %q is reserved", key)
	}
	if contains(l.ParticipantDir(key), l.ParentDir) {
		return fmt.Errorf("participant key %q collides with the parent tree", key)
	}
	return nil
}

// contains reports whether path is dir or lies beneath it.
func contains(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
