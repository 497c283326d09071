package group

import (
	"fmt"
	"path/filepath"
	"strings"

	storageerrors "github.com/devrev/pairdb/tablestore/internal/errors"
)

// PathResolver maps a group name and partition id to the partition file
type PathResolver interface {
	Path(name string, id int) string
}

// DirResolver places every partition of every group in one directory as
// <id>.<name>.tbl
type DirResolver struct {
	Root string
}

func (d DirResolver) Path(name string, id int) string {
	return filepath.Join(d.Root, fmt.Sprintf("%d.%s.tbl", id, name))
}

// subSeparator joins a group name and a sub-table name
const subSeparator = "@"

// SubName is the group name under which a sub-table's partitions live
func SubName(name, sub string) string {
	return name + subSeparator + sub
}

func validName(kind, name string) error {
	switch {
	case name == "":
		return storageerrors.InvalidArgument(kind+" name is empty", nil)
	case strings.ContainsAny(name, `/\`):
		return storageerrors.InvalidArgument(fmt.Sprintf("%s name %q contains a path separator", kind, name), nil)
	case strings.Contains(name, subSeparator):
		return storageerrors.InvalidArgument(fmt.Sprintf("%s name %q contains %q", kind, name, subSeparator), nil)
	}
	return nil
}

func validIDs(ids []int) error {
	if len(ids) == 0 {
		return storageerrors.InvalidArgument("group needs at least one partition id", nil)
	}
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return storageerrors.InvalidArgument(fmt.Sprintf("duplicate partition id %d", id), nil)
		}
		seen[id] = true
	}
	return nil
}

func sameIDs(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
