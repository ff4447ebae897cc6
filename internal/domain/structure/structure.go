// Package structure defines the project file-tree snapshot.
//
// A Tree is a nested mapping where each key is a path segment. A nil value
// marks a file; a non-nil value is a subdirectory. The shape round-trips
// through JSON as objects with null leaves, which is what the operator UI
// renders and what the structurer's provider is prompted to produce.
package structure

import (
	"path"
	"sort"
	"strings"
)

// Tree is a nested directory mapping. nil value = file, non-nil = directory.
type Tree map[string]Tree

// Clone returns a deep copy of the tree.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for k, v := range t {
		if v == nil {
			out[k] = nil
		} else {
			out[k] = v.Clone()
		}
	}
	return out
}

// Equal reports whether two trees have identical shape.
func (t Tree) Equal(other Tree) bool {
	if len(t) != len(other) {
		return false
	}
	for k, v := range t {
		ov, ok := other[k]
		if !ok {
			return false
		}
		if (v == nil) != (ov == nil) {
			return false
		}
		if v != nil && !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Files returns every file path in the tree, sorted, using "/" separators.
func (t Tree) Files() []string {
	var files []string
	t.walk("", &files)
	sort.Strings(files)
	return files
}

func (t Tree) walk(prefix string, files *[]string) {
	for name, child := range t {
		p := name
		if prefix != "" {
			p = prefix + "/" + name
		}
		if child == nil {
			*files = append(*files, p)
		} else {
			child.walk(p, files)
		}
	}
}

// Contains reports whether the given file path exists as a leaf in the tree.
func (t Tree) Contains(file string) bool {
	segs := strings.Split(path.Clean(file), "/")
	cur := t
	for i, seg := range segs {
		child, ok := cur[seg]
		if !ok {
			return false
		}
		if i == len(segs)-1 {
			return child == nil
		}
		if child == nil {
			return false
		}
		cur = child
	}
	return false
}

// Insert adds a file path to the tree, creating intermediate directories.
func (t Tree) Insert(file string) {
	segs := strings.Split(path.Clean(file), "/")
	cur := t
	for i, seg := range segs {
		if seg == "" || seg == "." {
			continue
		}
		if i == len(segs)-1 {
			if _, ok := cur[seg]; !ok {
				cur[seg] = nil
			}
			return
		}
		child, ok := cur[seg]
		if !ok || child == nil {
			child = make(Tree)
			cur[seg] = child
		}
		cur = child
	}
}

// FromPaths builds a tree out of a list of file paths.
func FromPaths(paths []string) Tree {
	t := make(Tree)
	for _, p := range paths {
		t.Insert(p)
	}
	return t
}
