package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

func TestStoreWriteAndRead(t *testing.T) {
	store, root := newTestStore(t)
	path := filepath.Join(root, "https", "www.example.com", "443", "index.html")
	body := []byte("<html>hello</html>")

	if err := store.Write(context.Background(), path, body, WriteOptions{}); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if !store.Exists(path) {
		t.Fatalf("expected file to exist")
	}
	got, err := store.Read(path)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("unexpected body: %s", string(got))
	}
	if store.Exists(path + GzipSuffix) {
		t.Fatalf("gzip variant must not exist without compression")
	}
	if store.Exists(filepath.Dir(path)) {
		t.Fatalf("directories must not count as existing entries")
	}
}

func TestStoreWritesConsistentGzipVariant(t *testing.T) {
	store, root := newTestStore(t)
	path := filepath.Join(root, "http", "example.com", "80", "news", "index.html")
	body := bytes.Repeat([]byte("static page content "), 200)

	if err := store.Write(context.Background(), path, body, WriteOptions{Compress: true, CompressionLevel: 9}); err != nil {
		t.Fatalf("write error: %v", err)
	}

	compressed, err := os.ReadFile(path + GzipSuffix)
	if err != nil {
		t.Fatalf("expected gzip variant: %v", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("gzip reader error: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gzip read error: %v", err)
	}
	if !bytes.Equal(plain, body) {
		t.Fatalf("gzip variant differs from plain body")
	}

	// 关闭压缩后重写，旧的 gzip 变体必须被清理
	if err := store.Write(context.Background(), path, []byte("v2"), WriteOptions{}); err != nil {
		t.Fatalf("rewrite error: %v", err)
	}
	if store.Exists(path + GzipSuffix) {
		t.Fatalf("stale gzip variant should be removed")
	}
}

func TestStoreWritesAccessControlDescriptor(t *testing.T) {
	store, root := newTestStore(t)
	path := filepath.Join(root, "https", "www.example.com", "443", "index.html")
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	opts := WriteOptions{AccessControl: &AccessControl{
		Identifier:          Hash("https://www.example.com/"),
		URL:                 "https://www.example.com/",
		Mode:                ExpiryAbsolute,
		Lifetime:            time.Hour,
		ExpiresAt:           expires,
		SendCacheControl:    true,
		RedirectAfterExpiry: true,
	}}
	if err := store.Write(context.Background(), path, []byte("ok"), opts); err != nil {
		t.Fatalf("write error: %v", err)
	}

	descriptor, err := os.ReadFile(filepath.Join(filepath.Dir(path), DescriptorName))
	if err != nil {
		t.Fatalf("expected descriptor: %v", err)
	}
	content := string(descriptor)
	for _, want := range []string{
		Hash("https://www.example.com/"),
		"ExpiresByType text/html A3600",
		"max-age=3600",
		"RewriteCond %{TIME} >" + expires.Local().Format("20060102150405"),
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("descriptor missing %q:\n%s", want, content)
		}
	}
}

func TestAccessControlStampUsesLocalTime(t *testing.T) {
	prev := time.Local
	time.Local = time.FixedZone("UTC+1", 3600)
	t.Cleanup(func() { time.Local = prev })

	descriptor, err := AccessControl{
		Lifetime:            time.Hour,
		ExpiresAt:           time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
		RedirectAfterExpiry: true,
	}.Render()
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	if !strings.Contains(string(descriptor), "RewriteCond %{TIME} >20300102040405") {
		t.Fatalf("expected stamp in server local time:\n%s", descriptor)
	}
}

func TestAccessControlModificationMode(t *testing.T) {
	descriptor, err := AccessControl{Mode: ExpiryModification, Lifetime: 90 * time.Second}.Render()
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	content := string(descriptor)
	if !strings.Contains(content, "text/html M90") {
		t.Fatalf("expected modification prefix:\n%s", content)
	}
	if strings.Contains(content, "Cache-Control") || strings.Contains(content, "RewriteCond") {
		t.Fatalf("optional blocks should be omitted:\n%s", content)
	}
}

func TestStoreRemoveDeletesAllVariants(t *testing.T) {
	store, root := newTestStore(t)
	path := filepath.Join(root, "https", "www.example.com", "443", "index.html")
	opts := WriteOptions{Compress: true, AccessControl: &AccessControl{Lifetime: time.Minute}}
	if err := store.Write(context.Background(), path, []byte("page"), opts); err != nil {
		t.Fatalf("write error: %v", err)
	}

	if err := store.Remove(context.Background(), path); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	for _, file := range []string{path, path + GzipSuffix, filepath.Join(filepath.Dir(path), DescriptorName)} {
		if _, err := os.Stat(file); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected %s removed, stat err=%v", file, err)
		}
	}

	// 不存在的条目删除视为成功
	if err := store.Remove(context.Background(), path); err != nil {
		t.Fatalf("remove of missing entry should succeed: %v", err)
	}
}

func TestStoreRemoveReportsFailures(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, WithFs(failingRemoveFs{Fs: afero.NewOsFs()}))
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	path := filepath.Join(root, "http", "example.com", "80", "index.html")
	if err := store.Write(context.Background(), path, []byte("page"), WriteOptions{}); err != nil {
		t.Fatalf("write error: %v", err)
	}

	err = store.Remove(context.Background(), path)
	var removeErr *RemoveError
	if !errors.As(err, &removeErr) {
		t.Fatalf("expected RemoveError, got %v", err)
	}
	if len(removeErr.Files) == 0 || removeErr.Files[0] != path {
		t.Fatalf("expected failed path to be reported, got %v", removeErr.Files)
	}
	if !errors.Is(err, syscall.EPERM) {
		t.Fatalf("expected EPERM to be unwrapped, got %v", err)
	}
	if !store.Exists(path) {
		t.Fatalf("file should still exist after failed removal")
	}
}

func TestStoreRejectsPathsOutsideRoot(t *testing.T) {
	store, root := newTestStore(t)
	outside := filepath.Join(filepath.Dir(root), "outside.html")
	if err := store.Write(context.Background(), outside, []byte("x"), WriteOptions{}); err == nil {
		t.Fatalf("expected write outside root to fail")
	}
	if err := store.Remove(context.Background(), outside); err == nil {
		t.Fatalf("expected remove outside root to fail")
	}
	if err := store.Write(context.Background(), root+"/http/../../escape.html", []byte("x"), WriteOptions{}); err == nil {
		t.Fatalf("expected unclean path to fail")
	}
}

func TestStoreSoftRemoveAndRemoveDirs(t *testing.T) {
	store, root := newTestStore(t)
	path := filepath.Join(root, "http", "example.com", "80", "index.html")
	if err := store.Write(context.Background(), path, []byte("page"), WriteOptions{}); err != nil {
		t.Fatalf("write error: %v", err)
	}

	dir := filepath.Join(root, "http")
	if err := store.SoftRemove(dir); err != nil {
		t.Fatalf("soft remove error: %v", err)
	}
	if store.Exists(path) {
		t.Fatalf("entry should be gone after soft remove")
	}
	if err := store.SoftRemove(filepath.Join(root, "https")); err != nil {
		t.Fatalf("soft remove of missing dir should succeed: %v", err)
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "http-remove-") {
		t.Fatalf("expected one renamed directory, got %v", entries)
	}

	if err := store.RemoveDirs(); err != nil {
		t.Fatalf("remove dirs error: %v", err)
	}
	entries, _ = os.ReadDir(root)
	if len(entries) != 0 {
		t.Fatalf("expected storage root to be empty, got %v", entries)
	}
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	store, root := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(root, "http", "example.com", "80", "index.html")
	if err := store.Write(ctx, path, []byte("x"), WriteOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type failingRemoveFs struct {
	afero.Fs
}

func (f failingRemoveFs) Remove(name string) error {
	if _, err := f.Fs.Stat(name); err != nil {
		return err
	}
	return syscall.EPERM
}

func newTestStore(t *testing.T) (Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	return store, root
}
