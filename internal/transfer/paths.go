package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	InputFileName   = "Worker.fbin"
	OutputFileName  = "Worker.fbout"
	SuccessFileName = "Success"
	ScriptFileName  = "fbshader.bff"
)

// Paths holds the artifact locations for one batch slot.
type Paths struct {
	Dir     string
	Input   string
	Output  string
	Success string
}

// BatchPaths derives the artifact paths for (generation, sequence) under root.
func BatchPaths(root string, generation, sequence int) Paths {
	dir := filepath.Join(GenerationDir(root, generation), strconv.Itoa(sequence))
	return Paths{
		Dir:     dir,
		Input:   filepath.Join(dir, InputFileName),
		Output:  filepath.Join(dir, OutputFileName),
		Success: filepath.Join(dir, SuccessFileName),
	}
}

// GenerationDir is the directory holding one generation's batches and
// build descriptors.
func GenerationDir(root string, generation int) string {
	return filepath.Join(root, strconv.Itoa(generation))
}

// UniqueScriptPath returns the first fbshader.NNNN.bff in dir, counting up
// from start, that does not already exist, along with the suffix it used.
// It fails when a candidate cannot be checked for a reason other than its
// absence.
func UniqueScriptPath(dir string, start int) (string, int, error) {
	base := strings.TrimSuffix(ScriptFileName, ".bff")
	for seq := start; ; seq++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s.%04d.bff", base, seq))
		_, err := os.Lstat(candidate)
		switch {
		case os.IsNotExist(err):
			return candidate, seq, nil
		case err != nil:
			return "", 0, fmt.Errorf("check %s: %w", candidate, err)
		}
	}
}
