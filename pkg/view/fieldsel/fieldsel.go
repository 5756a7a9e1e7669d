// Package fieldsel resolves the field paths kept or dropped by field
// selection and exclusion.
package fieldsel

import (
	"sort"
	"strings"

	"github.com/datacurate/viewstage/pkg/util"
	"github.com/datacurate/viewstage/pkg/view/schema"
)

// Ancestors returns the strict ancestors of path, outermost first.
func Ancestors(path string) []string {
	var out []string
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[:i])
		}
	}
	return out
}

func isAncestor(a, b string) bool {
	return strings.HasPrefix(b, a+".")
}

// RemoveAncestors drops every path that is a strict ancestor of another
// path of the set. The result is sorted.
func RemoveAncestors(paths []string) []string {
	paths = util.UniqueStrings(paths)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		keep := true
		for _, q := range paths {
			if isAncestor(p, q) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// RemoveDescendants drops every path that has a strict ancestor in the set.
// The result is sorted.
func RemoveDescendants(paths []string) []string {
	paths = util.UniqueStrings(paths)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		keep := true
		for _, q := range paths {
			if isAncestor(q, p) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve returns the projected paths of a selection: the selected paths
// plus the defaults. A selected ancestor covers its descendants, so the
// result never holds a path together with one of its ancestors.
func Resolve(selected, defaults []string) []string {
	all := make([]string, 0, len(selected)+len(defaults))
	all = append(all, defaults...)
	all = append(all, selected...)
	return RemoveDescendants(all)
}

// Project merges resolved sample and frame paths into the paths of a single
// projection. Frame paths are prefixed with the frames field, which then
// replaces a bare frames path.
func Project(samplePaths, framePaths []string) []string {
	out := make([]string, 0, len(samplePaths)+len(framePaths))
	out = append(out, samplePaths...)
	for _, p := range framePaths {
		out = append(out, schema.FramePath(p))
	}
	return RemoveAncestors(out)
}

// Expand returns paths together with all their strict ancestors.
func Expand(paths []string) []string {
	var out []string
	for _, p := range paths {
		out = append(out, Ancestors(p)...)
		out = append(out, p)
	}
	out = util.UniqueStrings(out)
	sort.Strings(out)
	return out
}

// Missing returns the paths that do not resolve against s.
func Missing(s schema.Schema, paths []string) []string {
	var out []string
	for _, p := range paths {
		if !s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Protected returns the paths that are default fields, descendants of
// default fields, or ancestors of them.
func Protected(paths, defaults []string) []string {
	var out []string
	for _, p := range paths {
		for _, d := range defaults {
			if p == d || isAncestor(d, p) || isAncestor(p, d) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
