package table

import "strings"

// Root is the path of the root directory.
const Root = "/"

// Separator separates path components.
const Separator = "/"

// ValidatePath checks that path is absolute, has no empty, "." or ".."
// components, has no trailing separator and fits within maxPath bytes.
func ValidatePath(path string, maxPath int) error {
	if path == "" || !strings.HasPrefix(path, Separator) {
		return ErrInvalidPath
	}
	if maxPath > 0 && len(path) > maxPath {
		return ErrNameTooLong
	}
	if path == Root {
		return nil
	}
	for _, component := range strings.Split(path[1:], Separator) {
		switch component {
		case "", ".", "..":
			return ErrInvalidPath
		}
		if strings.IndexByte(component, 0) >= 0 {
			return ErrInvalidPath
		}
	}
	return nil
}

// ParentPath returns the path of the directory containing path. A path
// whose last separator is its first character lives in the root. The
// root itself has no parent and yields "".
func ParentPath(path string) string {
	if path == Root {
		return ""
	}
	i := strings.LastIndex(path, Separator)
	if i <= 0 {
		return Root
	}
	return path[:i]
}

// BaseName strips dir and the following separator from path, yielding
// the bare name of a direct child of dir.
func BaseName(path, dir string) string {
	name := strings.TrimPrefix(path, dir)
	if dir != Root {
		name = strings.TrimPrefix(name, Separator)
	}
	return name
}

// JoinPath returns the path of name inside dir.
func JoinPath(dir, name string) string {
	if dir == Root {
		return Root + name
	}
	return dir + Separator + name
}

// List returns the names in dir: "." and ".." followed by the bare names
// of its direct children in slot order. Entries nested deeper are not
// visited.
func (t *Table) List(dir string) []string {
	slots := t.Children(dir)
	names := make([]string, 0, len(slots)+2)
	names = append(names, ".", "..")
	for _, slot := range slots {
		names = append(names, BaseName(t.entries[slot].Path, dir))
	}
	return names
}
