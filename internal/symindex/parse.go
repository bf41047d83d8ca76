package symindex

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
)

// symbolKinds maps tree-sitter node types to snippet kinds per grammar.
var symbolKinds = map[string]map[string]string{
	".py": {
		"function_definition": KindFunction,
		"class_definition":    KindClass,
	},
	".go": {
		"function_declaration": KindFunction,
		"method_declaration":   KindFunction,
		"type_spec":            KindClass,
	},
}

func languageFor(ext string) *sitter.Language {
	switch ext {
	case ".py":
		return python.GetLanguage()
	case ".go":
		return golang.GetLanguage()
	}
	return nil
}

// extract parses src and returns its functions and classes in source order.
// A new parser is created per call so extraction is safe to run in parallel.
func extract(ctx context.Context, path string, src []byte) ([]Snippet, error) {
	ext := filepath.Ext(path)
	lang := languageFor(ext)
	if lang == nil {
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("tree-sitter returned nil root node")
	}

	lines := strings.Split(string(src), "\n")
	kinds := symbolKinds[ext]

	var out []Snippet
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if kind, ok := kinds[n.Type()]; ok {
			if name := n.ChildByFieldName("name"); name != nil && name.Content(src) != "" {
				start := int(n.StartPoint().Row) + 1
				end := int(n.EndPoint().Row) + 1
				out = append(out, Snippet{
					Path:  path,
					Kind:  kind,
					Name:  name.Content(src),
					Start: start,
					End:   end,
					Code:  sliceLines(lines, start, end),
				})
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	return out, nil
}

// sliceLines returns lines start..end (1-based, inclusive).
func sliceLines(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
