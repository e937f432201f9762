package invocation

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/mattjoyce/farmdispatch/internal/batch"
)

// Options configure how the build tool is invoked.
type Options struct {
	Executable       string
	WorkerExecutable string
	// WorkerRoot is the ExecutableRootPath given to the build tool; remote
	// hosts mirror the files below it. Defaults to the worker's directory.
	WorkerRoot    string
	WorkerArgs    string
	CachePath     string
	DisableRemote bool
	ForceRemote   bool
	DisableCache  bool

	ToolchainDirs     []string
	ModuleDir         string
	ModulePrefix      string
	ExcludeExtensions []string

	// HostPID is passed to workers and the watchdog. Defaults to os.Getpid.
	HostPID int
}

// BuildArgs returns the build tool's command line for the descriptor at
// script.
func BuildArgs(opts Options, script string) []string {
	args := []string{"-config", script, "-monitor", "-summary"}
	if !opts.DisableRemote {
		args = append(args, "-dist")
		if opts.ForceRemote {
			args = append(args, "-forceremote")
		}
	}
	if !opts.DisableCache {
		args = append(args, "-cache")
	}
	return args
}

// WatchdogArgs returns the worker command line that watches hostPID and
// kills buildPID if the host dies.
func WatchdogArgs(hostPID, buildPID int) []string {
	return []string{"-xgemonitor", strconv.Itoa(hostPID), strconv.Itoa(buildPID)}
}

func objectListName(b *batch.Batch) string {
	return fmt.Sprintf("ShaderBatch-%d", b.Sequence())
}

// WriteDescriptor writes the build description: settings, the compiler
// definition with its dependency files, one object list per batch and an
// "all" alias over them.
func WriteDescriptor(w io.Writer, opts Options, batches []*batch.Batch) error {
	bw := bufio.NewWriter(w)

	workerRoot := opts.WorkerRoot
	if workerRoot == "" {
		workerRoot = filepath.Dir(opts.WorkerExecutable)
	}

	fmt.Fprintf(bw, "Settings\n{\n\t.CachePath = '%s'\n}\n\n", opts.CachePath)
	fmt.Fprintf(bw, "Compiler('ShaderCompiler')\n{\n")
	fmt.Fprintf(bw, "\t.CompilerFamily = 'custom'\n")
	fmt.Fprintf(bw, "\t.Executable = '%s'\n", opts.WorkerExecutable)
	fmt.Fprintf(bw, "\t.ExecutableRootPath = '%s'\n", workerRoot)
	fmt.Fprintf(bw, "\t.SimpleDistributionMode = true\n")
	fmt.Fprintf(bw, "\t.ExtraFiles =\n\t{\n")
	for path := range DependencyFiles(opts) {
		fmt.Fprintf(bw, "\t\t'%s',\n", path)
	}
	fmt.Fprintf(bw, "\t}\n}\n\n")

	for _, b := range batches {
		dir, err := filepath.Abs(b.Paths().Dir)
		if err != nil {
			return fmt.Errorf("resolve batch dir: %w", err)
		}
		input, err := filepath.Abs(b.Paths().Input)
		if err != nil {
			return fmt.Errorf("resolve batch input: %w", err)
		}
		fmt.Fprintf(bw, "ObjectList('%s')\n{\n", objectListName(b))
		fmt.Fprintf(bw, "\t.Compiler = 'ShaderCompiler'\n")
		fmt.Fprintf(bw, "\t.CompilerOptions = '\"\" %d %d \"%%1\" \"%%2\" -xge_xml %s '\n", opts.HostPID, b.Sequence(), opts.WorkerArgs)
		fmt.Fprintf(bw, "\t.CompilerOutputExtension = '.fbout'\n")
		fmt.Fprintf(bw, "\t.CompilerInputFiles = { '%s' }\n", input)
		fmt.Fprintf(bw, "\t.CompilerOutputPath = '%s'\n", dir)
		fmt.Fprintf(bw, "}\n\n")
	}

	fmt.Fprintf(bw, "Alias('all')\n{\n\t.Targets = { ")
	for _, b := range batches {
		fmt.Fprintf(bw, "'%s', ", objectListName(b))
	}
	fmt.Fprintf(bw, "}\n}\n")

	return bw.Flush()
}

// DependencyFiles lists every file the workers need: everything under the
// toolchain dirs, then the worker's own modules.
func DependencyFiles(opts Options) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, dir := range opts.ToolchainDirs {
			for path := range EnumerateFiles(dir, "", "", nil) {
				if !yield(path) {
					return
				}
			}
		}
		if opts.ModuleDir == "" {
			return
		}
		for path := range EnumerateFiles(opts.ModuleDir, opts.ModulePrefix, "", opts.ExcludeExtensions) {
			if !yield(path) {
				return
			}
		}
	}
}

// EnumerateFiles walks root lazily and yields absolute paths of regular
// files whose base name starts with prefix, whose name ends with ext and
// whose extension is not in exclude. Empty filters match everything. The
// sequence walks again each time it is ranged over; unreadable entries are
// skipped.
func EnumerateFiles(root, prefix, ext string, exclude []string) iter.Seq[string] {
	excluded := make([]string, 0, len(exclude))
	for _, e := range exclude {
		excluded = append(excluded, strings.ToLower(strings.TrimPrefix(e, ".")))
	}

	return func(yield func(string) bool) {
		abs, err := filepath.Abs(root)
		if err != nil {
			return
		}
		_ = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			name := d.Name()
			if prefix != "" && !strings.HasPrefix(name, prefix) {
				return nil
			}
			if ext != "" && !strings.HasSuffix(name, ext) {
				return nil
			}
			if slices.Contains(excluded, strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))) {
				return nil
			}
			if !yield(path) {
				return fs.SkipAll
			}
			return nil
		})
	}
}
