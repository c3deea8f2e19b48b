package fs_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/blobkv/blobkv/pkg/fs"
)

func TestAtomicWriteFile_ReplacesExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)

	if err := real.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatalf("seed WriteFile: %v", err)
	}

	const content = "hello atomic"

	if err := writer.Write(path, strings.NewReader(content), fs.AtomicWriteOptions{SyncDir: true, Perm: 0o600}); err != nil {
		t.Fatalf("AtomicWriter.Write: %v", err)
	}

	got, err := real.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != content {
		t.Fatalf("content=%q, want %q", string(got), content)
	}
}
