package ensemble

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Artifact is one file recovered from LLM output.
type Artifact struct {
	Path    string
	Content string
}

// Extraction is the result of scanning one LLM response for file artifacts.
type Extraction struct {
	Artifacts []Artifact
	// Duplicates counts fenced blocks dropped because an earlier block
	// already claimed the same normalized path.
	Duplicates int
	// Rejected holds raw paths dropped by the path policy.
	Rejected []string
	// Warnings holds human-readable notes about malformed blocks, e.g. a
	// fence that never closed.
	Warnings []string
}

var (
	// markerRe runs against the line with bold/emphasis asterisks removed,
	// so "**File:** x", "File: x", and "Path: x" all match.
	markerRe  = regexp.MustCompile(`(?i)^\s*(?:file(?:name)?|path)\s*:\s*(.+?)\s*$`)
	proseRe   = regexp.MustCompile("(?i)save[d]?\\s+(?:it\\s+|this\\s+)?as\\s+`?([^`\\s]+?)`?[.,:]?(?:\\s|$)")
	commentRe = regexp.MustCompile(`^\s*(?://|#|--|;)\s*(\S+)\s*$`)
)

// ExtractArtifacts scans markdown-ish LLM output for fenced code blocks
// with an attributable file path. Four signals are recognized, in priority
// order: a "File:" marker line above the fence, a path in the fence info
// string, a path-only comment on the first line of the block, and "save as
// <path>" prose above the fence. Blocks with no signal are ignored. The
// first block wins when two blocks claim the same path.
func ExtractArtifacts(raw string) Extraction {
	var ex Extraction
	seen := make(map[string]bool)

	lines := strings.Split(raw, "\n")
	var (
		marker      string // last File:/Path: marker still in scope
		prose       string // last "save as" path still in scope
		inFence     bool
		fenceInfo   string
		fenceMarker string
		fenceProse  string
		body        []string
	)

	flush := func(closed bool) {
		defer func() { inFence = false; body = nil }()
		if !closed {
			ex.Warnings = append(ex.Warnings, "unterminated code fence, block discarded")
			return
		}
		rawPath := fenceMarker
		if rawPath == "" {
			rawPath = pathFromFenceInfo(fenceInfo)
		}
		if rawPath == "" && len(body) > 0 {
			if m := commentRe.FindStringSubmatch(body[0]); m != nil && looksLikePath(m[1]) {
				rawPath = m[1]
			}
		}
		if rawPath == "" {
			rawPath = fenceProse
		}
		if rawPath == "" {
			return
		}
		p, ok := normalizePath(rawPath)
		if !ok {
			ex.Rejected = append(ex.Rejected, rawPath)
			return
		}
		if seen[p] {
			ex.Duplicates++
			return
		}
		seen[p] = true
		content := ""
		if len(body) > 0 {
			content = strings.Join(body, "\n") + "\n"
		}
		ex.Artifacts = append(ex.Artifacts, Artifact{Path: p, Content: content})
	}

	for _, line := range lines {
		if inFence {
			if strings.TrimRight(line, " \t") == "```" {
				flush(true)
				marker, prose = "", ""
				continue
			}
			body = append(body, line)
			continue
		}
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "```") {
			inFence = true
			fenceInfo = strings.TrimPrefix(strings.TrimLeft(line, " \t"), "```")
			fenceMarker = marker
			fenceProse = prose
			body = nil
			continue
		}
		if m := markerRe.FindStringSubmatch(strings.ReplaceAll(line, "*", "")); m != nil {
			marker, prose = m[1], ""
			continue
		}
		if m := proseRe.FindStringSubmatch(line); m != nil {
			prose = m[1]
			continue
		}
		if strings.TrimSpace(line) != "" {
			// Any other text between a marker and a fence breaks the link.
			marker, prose = "", ""
		}
	}
	if inFence {
		flush(false)
	}
	return ex
}

// pathFromFenceInfo extracts a path from a fence info string, which is
// either "path.ext" alone or "lang path.ext".
func pathFromFenceInfo(info string) string {
	fields := strings.Fields(info)
	switch len(fields) {
	case 1:
		if looksLikePath(fields[0]) {
			return fields[0]
		}
	case 2:
		if looksLikePath(fields[1]) {
			return fields[1]
		}
	}
	return ""
}

// looksLikePath distinguishes a file path from a bare language tag.
func looksLikePath(s string) bool {
	if strings.ContainsAny(s, "/\\") {
		return true
	}
	dot := strings.LastIndexByte(s, '.')
	return dot > 0 && dot < len(s)-1
}

// normalizePath cleans a raw path from LLM output and applies the write
// policy: relative paths only, no parent traversal, forward slashes.
func normalizePath(raw string) (string, bool) {
	p := strings.Map(func(r rune) rune {
		if r == '`' || r == '*' {
			return -1
		}
		return r
	}, raw)
	p = norm.NFC.String(strings.TrimSpace(p))
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.Trim(p, `"'`)
	if p == "" || strings.ContainsRune(p, 0) {
		return "", false
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") {
		return "", false
	}
	if len(p) > 1 && p[1] == ':' {
		return "", false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}
