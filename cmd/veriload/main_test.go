package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xyproto/veriload/planner"
)

func TestDependencySearchDirsRpathIgnoredWhenRunpathPresent(t *testing.T) {
	dirs := dependencySearchDirs(
		[]string{"/rpath"},
		[]string{"/runpath"},
		[]string{"/ldpath"},
	)
	want := append([]string{"/ldpath", "/runpath"}, searchDirs...)
	if !reflect.DeepEqual(dirs, want) {
		t.Errorf("dirs = %v, want %v (DT_RPATH must be dropped once DT_RUNPATH is declared)", dirs, want)
	}
}

func TestDependencySearchDirsRpathUsedWithoutRunpath(t *testing.T) {
	dirs := dependencySearchDirs(
		[]string{"/rpath"},
		nil,
		[]string{"/ldpath"},
	)
	want := append([]string{"/rpath", "/ldpath"}, searchDirs...)
	if !reflect.DeepEqual(dirs, want) {
		t.Errorf("dirs = %v, want %v (DT_RPATH leads when no DT_RUNPATH exists)", dirs, want)
	}
}

func TestSplitPathList(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"/a:/b", []string{"/a", "/b"}},
		{"/a::/b:", []string{"/a", "/b"}},
		{"", nil},
		{":::", nil},
	}
	for _, c := range cases {
		if got := splitPathList(c.in); !reflect.DeepEqual(got, c.want) {
			t.Errorf("splitPathList(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestFindLibrary(t *testing.T) {
	dir := t.TempDir()
	libPath := filepath.Join(dir, "libx.so")
	if err := os.WriteFile(libPath, []byte{0x7f, 'E', 'L', 'F'}, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	path, ok := findLibrary([]string{"/nonexistent", dir}, "libx.so")
	if !ok || path != libPath {
		t.Errorf("findLibrary = %q/%v, want %q/true", path, ok, libPath)
	}

	if _, ok := findLibrary([]string{dir}, "libnope.so"); ok {
		t.Error("findLibrary must miss on an absent name")
	}

	// A directory with the requested name is not a library.
	if err := os.Mkdir(filepath.Join(dir, "libdir.so"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, ok := findLibrary([]string{dir}, "libdir.so"); ok {
		t.Error("findLibrary must not match a directory")
	}
}

func TestAlreadyHaveObject(t *testing.T) {
	objects := []planner.LoaderObject{
		{Name: "/bin/app"},
		{Name: "libfoo.so"},
	}
	if !alreadyHaveObject(objects, "libfoo.so") {
		t.Error("exact name must match")
	}
	if !alreadyHaveObject(objects, "app") {
		t.Error("base name of a path-named object must match")
	}
	if alreadyHaveObject(objects, "libbar.so") {
		t.Error("absent name must not match")
	}
}

func TestReadFileRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	content := make([]byte, 100_000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	got, err := readFileRaw(path)
	if err != nil {
		t.Fatalf("readFileRaw: %v", err)
	}
	if !reflect.DeepEqual(got, content) {
		t.Error("readFileRaw content mismatch")
	}

	if _, err := readFileRaw(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
