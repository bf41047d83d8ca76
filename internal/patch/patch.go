// Package patch models the two textual patch encodings the repair loop
// understands: git-style unified diffs and fenced full-file replacements.
package patch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// Encoding identifies how a patch's diff text is laid out.
type Encoding string

const (
	EncodingEmpty   Encoding = "empty"
	EncodingUnified Encoding = "unified"
	EncodingFiles   Encoding = "files"
)

const fence = "```"

// ErrUnsafePath is returned for file blocks that would write outside the workspace.
var ErrUnsafePath = errors.New("path escapes workspace")

// Patch is a proposed change to a workspace. It is never mutated after creation.
type Patch struct {
	Workspace string `json:"workspace"`
	Diff      string `json:"diff"`
}

// Empty reports whether the patch carries no change.
func (p Patch) Empty() bool {
	return strings.TrimSpace(p.Diff) == ""
}

// Encoding detects the diff layout.
func (p Patch) Encoding() Encoding {
	text := strings.TrimSpace(p.Diff)
	switch {
	case text == "":
		return EncodingEmpty
	case strings.HasPrefix(text, "diff --git"), strings.HasPrefix(text, "--- "):
		return EncodingUnified
	default:
		return EncodingFiles
	}
}

// FileBlock is one full-file replacement.
type FileBlock struct {
	Path    string
	Content string
}

// FileBlocks extracts fenced full-file replacement blocks.
//
// A block opens with a fence line whose last header token names a relative
// path (it contains a slash or has an extension), runs until the next fence
// line, and its content is the lines in between joined with "\n". Fenced
// blocks tagged diff are skipped whole, as are fences without a path.
func FileBlocks(text string) []FileBlock {
	var blocks []FileBlock
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], fence) {
			continue
		}
		header := strings.Trim(strings.TrimSpace(lines[i]), "`")
		fields := strings.Fields(header)

		var body []string
		i++
		for i < len(lines) && !strings.HasPrefix(lines[i], fence) {
			body = append(body, lines[i])
			i++
		}

		if len(fields) == 0 || strings.HasPrefix(fields[0], "diff") {
			continue
		}
		if path := blockPath(fields[len(fields)-1]); path != "" {
			blocks = append(blocks, FileBlock{Path: path, Content: strings.Join(body, "\n")})
		}
	}
	return blocks
}

func blockPath(token string) string {
	if strings.Contains(token, "/") || filepath.Ext(token) != "" {
		return token
	}
	return ""
}

// Resolve joins a block path onto root, rejecting absolute paths and
// anything that climbs out of root.
func Resolve(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%s: %w", rel, ErrUnsafePath)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", rel, ErrUnsafePath)
	}
	return filepath.Join(root, clean), nil
}

// Stats summarizes which files a patch touches.
type Stats struct {
	Files   []string `json:"files"`
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
}

// Inspect reports the files a patch touches. Unified diffs are parsed so a
// malformed diff is caught before it reaches git.
func Inspect(p Patch) (Stats, error) {
	switch p.Encoding() {
	case EncodingUnified:
		return inspectUnified(p.Diff)
	case EncodingFiles:
		var st Stats
		for _, b := range FileBlocks(p.Diff) {
			st.Files = append(st.Files, b.Path)
			if b.Content != "" {
				st.Added += strings.Count(b.Content, "\n") + 1
			}
		}
		return st, nil
	default:
		return Stats{}, nil
	}
}

func inspectUnified(text string) (Stats, error) {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return Stats{}, fmt.Errorf("parse unified diff: %w", err)
	}
	var st Stats
	for _, fd := range fileDiffs {
		name := stripPrefix(fd.NewName)
		if name == "" || name == "/dev/null" {
			name = stripPrefix(fd.OrigName)
		}
		st.Files = append(st.Files, name)
		s := fd.Stat()
		st.Added += int(s.Added + s.Changed)
		st.Removed += int(s.Deleted + s.Changed)
	}
	if len(st.Files) == 0 {
		return Stats{}, errors.New("parse unified diff: no file sections")
	}
	return st, nil
}

func stripPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}
