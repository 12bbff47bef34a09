// Package pathutil splits and validates the slash-separated paths passed to
// the top-level API (open/unlink/readdir) into path resolution segments.
// NF2FS directories have no path field on flash — lookup is always by id —
// so pathutil only serves the caller-facing string form, producing a
// segment slice rather than a recombined string since directories are
// resolved one component at a time.
package pathutil

import (
	"strings"

	"nf2fs/internal/nf2fserr"
)

// Split validates raw and returns its non-empty path segments, each no
// longer than nameMax bytes. The root path ("", "/") returns an empty,
// non-nil slice.
func Split(raw string, nameMax int) ([]string, error) {
	if raw == "" || raw == "/" {
		return []string{}, nil
	}
	if strings.Contains(raw, "\\") {
		return nil, nf2fserr.New(nf2fserr.INVAL, "backslash not allowed")
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == 0 {
			return nil, nf2fserr.New(nf2fserr.INVAL, "NUL not allowed in path")
		}
		if c < 0x20 || c == 0x7F {
			return nil, nf2fserr.New(nf2fserr.INVAL, "control/DEL not allowed in path")
		}
	}

	raw = strings.TrimPrefix(raw, "/")
	raw = strings.TrimSuffix(raw, "/")
	rawSegs := strings.Split(raw, "/")
	segs := make([]string, 0, len(rawSegs))
	for _, s := range rawSegs {
		if s == "" || s == "." {
			continue
		}
		if s == ".." {
			return nil, nf2fserr.New(nf2fserr.INVAL, "'..' segment not allowed")
		}
		if len(s) > nameMax {
			return nil, nf2fserr.New(nf2fserr.NAMETOOLONG, "path segment exceeds name_max")
		}
		segs = append(segs, s)
	}
	return segs, nil
}

// ValidName checks a single file/directory name against name_max.
func ValidName(name string, nameMax int) error {
	if name == "" {
		return nf2fserr.New(nf2fserr.INVAL, "empty name")
	}
	if len(name) > nameMax {
		return nf2fserr.New(nf2fserr.NAMETOOLONG, "name exceeds name_max")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return nf2fserr.New(nf2fserr.INVAL, "name contains path separator or NUL")
	}
	return nil
}
