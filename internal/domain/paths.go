package domain

import (
	"strings"
)

// scopeRoots are recognized top-level directories under which a second path
// segment still yields a meaningful partition key.
var scopeRoots = map[string]bool{
	"apps":      true,
	"packages":  true,
	"docs":      true,
	"ops":       true,
	"scripts":   true,
	"templates": true,
	"assets":    true,
}

// normalizePath canonicalizes a path pattern for overlap comparison:
// backslashes become '/', leading "./" and "**" prefixes and trailing '/' are
// stripped, and duplicate slashes collapse.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.TrimPrefix(p, "./")
	for strings.HasPrefix(p, "**/") {
		p = strings.TrimPrefix(p, "**/")
	}
	if p == "**" {
		return "**"
	}
	p = strings.TrimSuffix(p, "/**")
	p = strings.TrimSuffix(p, "/")
	return p
}

// PathsOverlap reports whether two path patterns cover a common region. After
// normalization, patterns overlap when one equals the other or is a strict
// prefix up to a '/' boundary. "**" alone overlaps everything. The relation
// is symmetric and reflexive.
func PathsOverlap(a, b string) bool {
	na, nb := normalizePath(a), normalizePath(b)
	if na == "**" || nb == "**" {
		return true
	}
	if na == "" || nb == "" {
		return na == nb
	}
	if na == nb {
		return true
	}
	return strings.HasPrefix(nb, na+"/") || strings.HasPrefix(na, nb+"/")
}

// AnyPathOverlap reports whether any pattern in as overlaps any pattern in bs.
func AnyPathOverlap(as, bs []string) bool {
	for _, a := range as {
		for _, b := range bs {
			if PathsOverlap(a, b) {
				return true
			}
		}
	}
	return false
}

// hasGlobMeta reports whether a path segment contains glob metacharacters.
func hasGlobMeta(seg string) bool {
	return strings.ContainsAny(seg, "*?[]{}!")
}

// stableSegments extracts the partition key from a single path pattern: the
// first path component without glob meta, extended by a second stable
// component only when the first is a recognized scope root. Empty when the
// leading segment is already a glob.
func stableSegments(p string) string {
	p = normalizePath(p)
	if p == "" || p == "**" {
		return ""
	}
	parts := strings.Split(p, "/")
	if hasGlobMeta(parts[0]) {
		return ""
	}
	if scopeRoots[parts[0]] && len(parts) > 1 && !hasGlobMeta(parts[1]) {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// DeriveTargetArea computes the deterministic partition key for a task.
// Precedence: explicit value > first stable segment from touches > first
// stable from allowedPaths > research:<jobID> > research:task:<taskID> >
// empty. Research fallbacks apply only to research-kind tasks.
func DeriveTargetArea(t Task, jobID string) string {
	if t.TargetArea != "" {
		return t.TargetArea
	}
	for _, p := range t.Touches {
		if s := stableSegments(p); s != "" {
			return s
		}
	}
	for _, p := range t.AllowedPaths {
		if s := stableSegments(p); s != "" {
			return s
		}
	}
	if t.Kind == KindResearch {
		if jobID != "" {
			return "research:" + jobID
		}
		if t.ID != "" {
			return "research:task:" + t.ID
		}
	}
	return ""
}
