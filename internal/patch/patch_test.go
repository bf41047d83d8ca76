package patch

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

const unifiedDiff = `diff --git a/calc.py b/calc.py
--- a/calc.py
+++ b/calc.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return a + b + 1
+    return a + b
`

func TestEncoding(t *testing.T) {
	tests := []struct {
		diff string
		want Encoding
	}{
		{"", EncodingEmpty},
		{"   \n", EncodingEmpty},
		{unifiedDiff, EncodingUnified},
		{"--- a/x\n+++ b/x\n", EncodingUnified},
		{"```calc.py\nx\n```", EncodingFiles},
	}
	for _, tt := range tests {
		if got := (Patch{Diff: tt.diff}).Encoding(); got != tt.want {
			t.Errorf("Encoding(%q) = %s, want %s", tt.diff, got, tt.want)
		}
	}
}

func TestFileBlocks(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []FileBlock
	}{
		{
			name: "single block keeps content exactly",
			text: "```path/a.py\nX\n```",
			want: []FileBlock{{Path: "path/a.py", Content: "X"}},
		},
		{
			name: "language then path",
			text: "```python calc.py\ndef add(a, b):\n    return a + b\n```\n",
			want: []FileBlock{{Path: "calc.py", Content: "def add(a, b):\n    return a + b"}},
		},
		{
			name: "multiple blocks with prose between",
			text: "Here you go:\n```src/a.py\nA\n```\nand\n```src/b.py\nB1\nB2\n```\ntrailing text",
			want: []FileBlock{{Path: "src/a.py", Content: "A"}, {Path: "src/b.py", Content: "B1\nB2"}},
		},
		{
			name: "diff fence skipped whole",
			text: "```diff\n-old\n+new\n```\n```a.py\nX\n```",
			want: []FileBlock{{Path: "a.py", Content: "X"}},
		},
		{
			name: "language only fence ignored",
			text: "```python\nprint(1)\n```",
			want: nil,
		},
		{
			name: "crlf normalized",
			text: "```a.py\r\nX\r\n```\r\n",
			want: []FileBlock{{Path: "a.py", Content: "X"}},
		},
		{
			name: "empty block",
			text: "```empty.txt\n```",
			want: []FileBlock{{Path: "empty.txt", Content: ""}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FileBlocks(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FileBlocks() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	root := filepath.FromSlash("/work")

	got, err := Resolve(root, "pkg/a.py")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != filepath.Join(root, "pkg", "a.py") {
		t.Errorf("Resolve = %q", got)
	}

	for _, bad := range []string{"../etc/passwd", "a/../../x", "/etc/passwd"} {
		if _, err := Resolve(root, bad); !errors.Is(err, ErrUnsafePath) {
			t.Errorf("Resolve(%q) err = %v, want ErrUnsafePath", bad, err)
		}
	}
}

func TestInspectUnified(t *testing.T) {
	st, err := Inspect(Patch{Diff: unifiedDiff})
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !reflect.DeepEqual(st.Files, []string{"calc.py"}) {
		t.Errorf("Files = %v", st.Files)
	}
	if st.Added == 0 || st.Removed == 0 {
		t.Errorf("expected added and removed lines, got %+v", st)
	}
}

func TestInspectFiles(t *testing.T) {
	st, err := Inspect(Patch{Diff: "```a.py\nl1\nl2\n```\n```b/c.py\nx\n```"})
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !reflect.DeepEqual(st.Files, []string{"a.py", "b/c.py"}) {
		t.Errorf("Files = %v", st.Files)
	}
	if st.Added != 3 {
		t.Errorf("Added = %d, want 3", st.Added)
	}
}

func TestInspectEmpty(t *testing.T) {
	st, err := Inspect(Patch{})
	if err != nil || len(st.Files) != 0 {
		t.Errorf("Inspect(empty) = %+v, %v", st, err)
	}
}
