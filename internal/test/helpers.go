package test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func ProjectRoot() string {
	_, b, _, _ := runtime.Caller(0)
	// internal/test is two levels below the module root
	return filepath.Join(filepath.Dir(b), "../..")
}

// Fixture returns the content of testdata/<name> at the module root.
func Fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ProjectRoot(), "testdata", name))
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}
