// Command veriload is the thin CLI driver around the planner pipeline:
// it resolves the main executable's transitive DT_NEEDED dependencies
// off disk, runs Parse/Discover/Resolve/MmapPlan/PlanReloc/ApplyReloc/
// Finalize, and hands the result to the runtime commit step.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xyproto/env/v2"
	"golang.org/x/sys/unix"

	"github.com/xyproto/veriload"
	"github.com/xyproto/veriload/planner"
)

var searchDirs = []string{"/lib", "/usr/lib", "/lib64"}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "veriload: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	debug := env.Bool("VERILOAD_DEBUG") || env.Bool("VERILOAD_VERBOSE")

	if len(args) > 0 && args[0] == "--debug" {
		debug = true
		args = args[1:]
	}
	planner.VerboseMode = debug

	if len(args) == 0 {
		return fmt.Errorf("usage: veriload [--debug] <program> [args...]")
	}
	programPath := args[0]

	input, err := buildLoaderInput(programPath)
	if err != nil {
		return fmt.Errorf("building loader input: %w", err)
	}

	out, err := runPipeline(input)
	if err != nil {
		return err
	}

	if debug {
		fmt.Fprintf(os.Stderr, "veriload: entry=0x%x objects=%d constructors=%d destructors=%d mmap-plans=%d reloc-writes=%d\n",
			out.EntryPC, len(out.Parsed), len(out.Constructors), len(out.Destructors), len(out.MmapPlans), len(out.RelocWrites))
	}

	return veriload.Commit(out, programPath)
}

// runPipeline drives every planner stage in order, short-circuiting on
// the first error exactly as the pipeline's sequential contract
// requires.
func runPipeline(input planner.LoaderInput) (planner.LoaderOutput, error) {
	parsed, err := planner.Parse(input)
	if err != nil {
		return planner.LoaderOutput{}, err
	}
	discovered, err := planner.Discover(parsed)
	if err != nil {
		return planner.LoaderOutput{}, err
	}
	resolved, err := planner.Resolve(parsed, discovered)
	if err != nil {
		return planner.LoaderOutput{}, err
	}
	mmapPlans, err := planner.PlanMmap(parsed, discovered)
	if err != nil {
		return planner.LoaderOutput{}, err
	}
	planOut, err := planner.PlanReloc(parsed, discovered, resolved, mmapPlans)
	if err != nil {
		return planner.LoaderOutput{}, err
	}
	applyOut, err := planner.ApplyReloc(planOut)
	if err != nil {
		return planner.LoaderOutput{}, err
	}
	return planner.Finalize(applyOut)
}

// depRequest is one queued DT_NEEDED name, carrying the RPATH/RUNPATH of
// the object that named it: the owner's own dynamic section, not the
// dependency's, governs where that name is searched for.
type depRequest struct {
	name         string
	ownerRpath   []string
	ownerRunpath []string
}

// buildLoaderInput reads the main executable and breadth-first-walks
// its DT_NEEDED closure on disk, searching each requesting object's own
// DT_RPATH (when it declares no DT_RUNPATH), then LD_LIBRARY_PATH (via
// github.com/xyproto/env/v2), then that object's DT_RUNPATH, then the
// standard system library directories, for each name — the glibc
// ld.so search order minus its on-disk cache. This filesystem search is
// explicitly out of the core pipeline's scope; it exists only to
// produce the LoaderInput the pipeline consumes.
func buildLoaderInput(programPath string) (planner.LoaderInput, error) {
	mainBytes, err := readFileRaw(programPath)
	if err != nil {
		return planner.LoaderInput{}, fmt.Errorf("reading %s: %w", programPath, err)
	}

	objects := []planner.LoaderObject{{Name: programPath, Bytes: mainBytes}}
	resolvedPaths := map[string]bool{}

	mainNeeded, mainRpath, mainRunpath, err := soInfoFromBytes(programPath, mainBytes)
	if err != nil {
		return planner.LoaderInput{}, err
	}

	var queue []depRequest
	for _, n := range mainNeeded {
		queue = append(queue, depRequest{name: n, ownerRpath: mainRpath, ownerRunpath: mainRunpath})
	}

	ldDirs := ldLibraryPathDirs()

	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]

		if alreadyHaveObject(objects, req.name) {
			continue
		}

		dirs := dependencySearchDirs(req.ownerRpath, req.ownerRunpath, ldDirs)
		path, ok := findLibrary(dirs, req.name)
		if !ok {
			return planner.LoaderInput{}, fmt.Errorf("unresolved dependency: %s", req.name)
		}
		if resolvedPaths[path] {
			continue
		}
		resolvedPaths[path] = true

		depBytes, err := readFileRaw(path)
		if err != nil {
			return planner.LoaderInput{}, fmt.Errorf("reading %s: %w", path, err)
		}
		objects = append(objects, planner.LoaderObject{Name: req.name, Bytes: depBytes})

		moreNeeded, depRpath, depRunpath, err := soInfoFromBytes(req.name, depBytes)
		if err != nil {
			return planner.LoaderInput{}, err
		}
		for _, n := range moreNeeded {
			queue = append(queue, depRequest{name: n, ownerRpath: depRpath, ownerRunpath: depRunpath})
		}
	}

	return planner.LoaderInput{Objects: objects}, nil
}

// dependencySearchDirs orders the directories one DT_NEEDED lookup
// searches: DT_RPATH only stands in when the owner declares no
// DT_RUNPATH (glibc ignores DT_RPATH once DT_RUNPATH is present),
// followed by LD_LIBRARY_PATH, then DT_RUNPATH, then the default system
// directories.
func dependencySearchDirs(ownerRpath, ownerRunpath, ldDirs []string) []string {
	var dirs []string
	if len(ownerRunpath) == 0 {
		dirs = append(dirs, ownerRpath...)
	}
	dirs = append(dirs, ldDirs...)
	dirs = append(dirs, ownerRunpath...)
	dirs = append(dirs, searchDirs...)
	return dirs
}

func alreadyHaveObject(objects []planner.LoaderObject, name string) bool {
	for _, obj := range objects {
		if obj.Name == name || filepath.Base(obj.Name) == name {
			return true
		}
	}
	return false
}

// soInfoFromBytes parses one object in isolation purely to recover its
// DT_NEEDED name strings and its own DT_RPATH/DT_RUNPATH search
// directories; the pipeline's own Parse call later re-parses every
// object together, so this duplicate single-object parse is cheap and
// never substitutes for it.
func soInfoFromBytes(name string, raw []byte) (needed, rpathDirs, runpathDirs []string, err error) {
	parsed, err := planner.Parse(planner.LoaderInput{
		Objects: []planner.LoaderObject{{Name: name, Bytes: raw}},
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing %s for dependency discovery: %w", name, err)
	}
	obj := parsed[0]

	for _, off := range obj.NeededOffsets {
		if s, ok := dynstrCString(obj.Dynstr, off); ok {
			needed = append(needed, s)
		}
	}

	if obj.RpathOffset != nil {
		if s, ok := dynstrCString(obj.Dynstr, *obj.RpathOffset); ok {
			rpathDirs = splitPathList(s)
		}
	}
	if obj.RunpathOffset != nil {
		if s, ok := dynstrCString(obj.Dynstr, *obj.RunpathOffset); ok {
			runpathDirs = splitPathList(s)
		}
	}

	return needed, rpathDirs, runpathDirs, nil
}

// dynstrCString reads the NUL-terminated byte run in dynstr starting at
// off.
func dynstrCString(dynstr []byte, off uint32) (string, bool) {
	start := int(off)
	if start >= len(dynstr) {
		return "", false
	}
	end := start
	for end < len(dynstr) && dynstr[end] != 0 {
		end++
	}
	if end >= len(dynstr) {
		return "", false
	}
	return string(dynstr[start:end]), true
}

// splitPathList splits a DT_RPATH/DT_RUNPATH colon-separated string into
// its component directories, dropping empty entries. $ORIGIN expansion
// is not performed.
func splitPathList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ":") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func findLibrary(dirs []string, name string) (string, bool) {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

func ldLibraryPathDirs() []string {
	raw := env.Str("LD_LIBRARY_PATH", "")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ":")
}

// readFileRaw reads a whole file via raw open/pread/close syscalls,
// retrying short preads until the full size is in.
func readFileRaw(path string) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, err
	}

	out := make([]byte, st.Size)
	done := 0
	for done < len(out) {
		n, err := unix.Pread(fd, out[done:], int64(done))
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%s: unexpected EOF at offset %d of %d", path, done, len(out))
		}
		done += n
	}
	return out, nil
}
