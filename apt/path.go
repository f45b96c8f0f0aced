package apt

import (
	"os"
	"strings"
)

// Archive paths are forward-slash strings regardless of platform; they are
// joined onto OS paths only at the filesystem boundary. The helpers below
// mirror the few operations the metadata layer needs and keep the UTF-8
// guarantee of the manifest format.

// Join appends a relative path to base, normalizing redundant slashes and a
// leading "./" on the relative part.
func Join(base, rel string) string {
	rel = strings.TrimPrefix(rel, "./")
	rel = strings.TrimPrefix(rel, "/")
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		return rel
	}
	if rel == "" {
		return base
	}
	return base + "/" + rel
}

// Parent returns the directory part of the path, or "" when there is none.
func Parent(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

// FileName returns the last element of the path.
func FileName(path string) string {
	i := strings.LastIndexByte(path, '/')
	return path[i+1:]
}

// FileStem returns the file name without its extension.
func FileStem(path string) string {
	name := FileName(path)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}

// Extension returns the extension without the dot, or "" when the file name
// has none.
func Extension(path string) string {
	name := FileName(path)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i+1:]
	}
	return ""
}

// Exists reports whether the path exists on disk, following symlinks.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
