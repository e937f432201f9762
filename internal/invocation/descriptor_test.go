package invocation_test

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/farmdispatch/internal/batch"
	"github.com/mattjoyce/farmdispatch/internal/invocation"
	"github.com/mattjoyce/farmdispatch/internal/queue"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		opts invocation.Options
		want []string
	}{
		{
			name: "defaults",
			want: []string{"-config", "s.bff", "-monitor", "-summary", "-dist", "-cache"},
		},
		{
			name: "force remote",
			opts: invocation.Options{ForceRemote: true},
			want: []string{"-config", "s.bff", "-monitor", "-summary", "-dist", "-forceremote", "-cache"},
		},
		{
			name: "remote disabled ignores force",
			opts: invocation.Options{DisableRemote: true, ForceRemote: true},
			want: []string{"-config", "s.bff", "-monitor", "-summary", "-cache"},
		},
		{
			name: "local without cache",
			opts: invocation.Options{DisableRemote: true, DisableCache: true},
			want: []string{"-config", "s.bff", "-monitor", "-summary"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, invocation.BuildArgs(tt.opts, "s.bff"))
		})
	}
}

func TestWatchdogArgs(t *testing.T) {
	assert.Equal(t, []string{"-xgemonitor", "10", "20"}, invocation.WatchdogArgs(10, 20))
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestEnumerateFilesFilters(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "Worker.dll"))
	touch(t, filepath.Join(root, "Worker.pdb"))
	touch(t, filepath.Join(root, "Worker.EXE"))
	touch(t, filepath.Join(root, "sub", "Worker-Core.so"))
	touch(t, filepath.Join(root, "Other.dll"))

	got := slices.Sorted(invocation.EnumerateFiles(root, "Worker", "", []string{"pdb", ".exe"}))
	assert.Equal(t, []string{
		filepath.Join(root, "Worker.dll"),
		filepath.Join(root, "sub", "Worker-Core.so"),
	}, got)

	got = slices.Collect(invocation.EnumerateFiles(root, "", ".dll", nil))
	assert.Len(t, got, 2)
}

func TestEnumerateFilesIsRestartableAndStops(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		touch(t, filepath.Join(root, name))
	}
	seq := invocation.EnumerateFiles(root, "", "", nil)

	assert.Len(t, slices.Collect(seq), 4)
	assert.Len(t, slices.Collect(seq), 4, "second pass walks again")

	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestEnumerateFilesMissingRoot(t *testing.T) {
	got := slices.Collect(invocation.EnumerateFiles(filepath.Join(t.TempDir(), "missing"), "", "", nil))
	assert.Empty(t, got)
}

func TestWriteDescriptor(t *testing.T) {
	root := t.TempDir()
	toolchain := filepath.Join(root, "toolchain")
	modules := filepath.Join(root, "modules")
	touch(t, filepath.Join(toolchain, "bin", "dxc"))
	touch(t, filepath.Join(modules, "ShaderCompileWorker-Core.so"))
	touch(t, filepath.Join(modules, "ShaderCompileWorker.pdb"))
	touch(t, filepath.Join(modules, "Unrelated.so"))

	var batches []*batch.Batch
	for seq := 0; seq < 2; seq++ {
		b := batch.New(filepath.Join(root, "work"), transfer.DefaultPolicy, 1, seq)
		require.NoError(t, b.Add(&queue.Item{ID: "x", Group: "g"}))
		batches = append(batches, b)
	}

	var buf bytes.Buffer
	err := invocation.WriteDescriptor(&buf, invocation.Options{
		WorkerExecutable:  "/opt/worker/ShaderCompileWorker",
		WorkerArgs:        "-subprocess",
		CachePath:         "/mnt/cache",
		ToolchainDirs:     []string{toolchain},
		ModuleDir:         modules,
		ModulePrefix:      "ShaderCompileWorker",
		ExcludeExtensions: []string{"pdb", "exe"},
		HostPID:           77,
	}, batches)
	require.NoError(t, err)
	out := buf.String()

	assert.Contains(t, out, "Settings\n{\n\t.CachePath = '/mnt/cache'\n}")
	assert.Contains(t, out, "Compiler('ShaderCompiler')")
	assert.Contains(t, out, "\t.Executable = '/opt/worker/ShaderCompileWorker'")
	assert.Contains(t, out, "\t.ExecutableRootPath = '/opt/worker'")
	assert.Contains(t, out, filepath.Join(toolchain, "bin", "dxc"))
	assert.Contains(t, out, "ShaderCompileWorker-Core.so")
	assert.NotContains(t, out, "ShaderCompileWorker.pdb")
	assert.NotContains(t, out, "Unrelated.so")

	assert.Equal(t, 2, strings.Count(out, "ObjectList("))
	assert.Contains(t, out, "ObjectList('ShaderBatch-1')")
	assert.Contains(t, out, `.CompilerOptions = '"" 77 1 "%1" "%2" -xge_xml -subprocess '`)
	assert.Contains(t, out, ".CompilerInputFiles = { '"+batches[0].Paths().Input+"' }")
	assert.Contains(t, out, ".CompilerOutputPath = '"+batches[1].Paths().Dir+"'")
	assert.Contains(t, out, "Alias('all')\n{\n\t.Targets = { 'ShaderBatch-0', 'ShaderBatch-1', }")
}
