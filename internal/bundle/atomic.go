package bundle

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Stage writes content into the bundle's staging area under rel and
// returns the staged path. Staged files become visible only through
// Publish.
func (b *Bundle) Stage(rel string, data []byte) (string, error) {
	rel = filepath.Clean(rel)
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("staging path escapes bundle: %s", rel)
	}
	staged := filepath.Join(b.StagingDir, rel)
	if err := atomicWrite(staged, data); err != nil {
		return "", fmt.Errorf("stage %s: %w", rel, err)
	}
	return staged, nil
}

// Publish moves a staged file to its final path with an atomic rename,
// fsyncing the file and the destination directory. Re-publishing over a
// final file with identical content is a no-op so a crashed run can be
// replayed; differing content is an error.
func (b *Bundle) Publish(staged, final string) error {
	stagedData, err := os.ReadFile(staged)
	if err != nil {
		return fmt.Errorf("read staged file: %w", err)
	}
	if existing, err := os.ReadFile(final); err == nil {
		if bytes.Equal(existing, stagedData) {
			_ = os.Remove(staged)
			return nil
		}
		return fmt.Errorf("publish %s: destination exists with different content", final)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("check destination: %w", err)
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	if err := syncFile(staged); err != nil {
		return err
	}
	if err := os.Rename(staged, final); err != nil {
		return fmt.Errorf("publish rename: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}
	return nil
}

// atomicWrite writes data via a temp file in the target directory, then
// fsync, rename, and a directory fsync so a crash never leaves a partial
// file visible.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := tempPath(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	ok := false
	defer func() {
		f.Close()
		if !ok {
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}
	ok = true
	return nil
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return atomicWrite(path, append(data, '\n'))
}

func tempPath(path string) (string, error) {
	randBytes := make([]byte, 4)
	if _, err := rand.Read(randBytes); err != nil {
		return "", fmt.Errorf("random temp suffix: %w", err)
	}
	name := fmt.Sprintf(".%s.tmp.%d.%s",
		filepath.Base(path), os.Getpid(), hex.EncodeToString(randBytes))
	return filepath.Join(filepath.Dir(path), name), nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for sync: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return nil
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", path, err)
	}
	return nil
}
