package merge

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/minios-linux/strtrans/chunk"
	"github.com/minios-linux/strtrans/textenc"
)

func writeParts(t *testing.T, contents map[int]string) (chunk.Layout, []string) {
	t.Helper()
	layout := chunk.Layout{WorkDir: t.TempDir()}
	if err := os.MkdirAll(layout.PartsDir(), 0755); err != nil {
		t.Fatal(err)
	}
	highest := -1
	for i, c := range contents {
		if err := os.WriteFile(layout.PartPath(i), []byte(c), 0644); err != nil {
			t.Fatal(err)
		}
		highest = max(highest, i)
	}
	var paths []string
	for i := 0; i <= highest; i++ {
		paths = append(paths, layout.PartPath(i))
	}
	return layout, paths
}

func TestMergeOrdering(t *testing.T) {
	_, parts := writeParts(t, map[int]string{0: "A\n", 1: "B\n", 2: "C\n"})
	out := filepath.Join(t.TempDir(), "out.str")

	st, err := Merge(parts, out, textenc.UTF8)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "A\nB\nC\n" {
		t.Fatalf("output = %q, want %q", data, "A\nB\nC\n")
	}
	if st.Merged != 3 || st.Lines != 3 || len(st.Missing) != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMergeSkipsMissing(t *testing.T) {
	_, parts := writeParts(t, map[int]string{0: "A\n", 2: "C\r\n"})
	out := filepath.Join(t.TempDir(), "out.str")

	st, err := Merge(parts, out, textenc.UTF8)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "A\nC\r\n" {
		t.Fatalf("output = %q", data)
	}
	if len(st.Missing) != 1 || st.Missing[0] != parts[1] {
		t.Fatalf("Missing = %v, want [%s]", st.Missing, parts[1])
	}
}

func TestMergeEncodesOutput(t *testing.T) {
	_, parts := writeParts(t, map[int]string{0: "SIZE \"Größe\"\n"})
	out := filepath.Join(t.TempDir(), "out.str")

	enc, err := textenc.Lookup("iso-8859-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Merge(parts, out, enc); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	data, _ := os.ReadFile(out)
	want := []byte("SIZE \"Gr\xf6\xdfe\"\n")
	if string(data) != string(want) {
		t.Fatalf("output = %q, want %q", data, want)
	}
}

func TestMergeUnencodableKeepsOldOutput(t *testing.T) {
	_, parts := writeParts(t, map[int]string{0: "A \"ok\"\n", 1: "B \"şeker\"\n"})
	out := filepath.Join(t.TempDir(), "out.str")
	if err := os.WriteFile(out, []byte("previous"), 0644); err != nil {
		t.Fatal(err)
	}

	enc, err := textenc.Lookup("iso-8859-1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = Merge(parts, out, enc)
	if !errors.Is(err, ErrUnencodable) {
		t.Fatalf("Merge error = %v, want ErrUnencodable", err)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "previous" {
		t.Fatalf("output replaced after failed merge: %q", data)
	}
}

func TestDiscoverNumericOrder(t *testing.T) {
	layout, _ := writeParts(t, map[int]string{0: "", 2: "", 10: "", 1: ""})
	if err := os.WriteFile(filepath.Join(layout.PartsDir(), "notes.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := Discover(layout.PartsDir())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{layout.PartPath(0), layout.PartPath(1), layout.PartPath(2), layout.PartPath(10)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Discover = %v, want %v", got, want)
	}

	gaps := Gaps(got)
	if !reflect.DeepEqual(gaps, []int{3, 4, 5, 6, 7, 8, 9}) {
		t.Fatalf("Gaps = %v", gaps)
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	if _, err := Discover(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("Discover(missing dir) returned nil error")
	}
}
