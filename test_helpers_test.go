package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// cliOutput 保存一次测试期间 CLI 写出的 stdout/stderr。
type cliOutput struct {
	out *bytes.Buffer
	err *bytes.Buffer
}

// captureOutput 把 stdOut/stdErr 换成内存缓冲，测试结束后恢复。
func captureOutput(t *testing.T) cliOutput {
	t.Helper()
	captured := cliOutput{out: &bytes.Buffer{}, err: &bytes.Buffer{}}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = captured.out, captured.err
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// configFixture 指向 internal/config/testdata 下的样例；go test 以包目录为工作目录。
func configFixture(name string) string {
	return filepath.Join("internal", "config", "testdata", name)
}

// writeSiteConfig 在临时目录生成单站点配置，extra 追加在全局键之后。
func writeSiteConfig(t *testing.T, origin, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
StoragePath = %q
IndexPath = %q
%s

[[Site]]
Name = "main"
Domain = "www.example.com"
Origin = %q
`, filepath.Join(dir, "static"), filepath.Join(dir, "index.db"), strings.TrimSpace(extra), origin)

	file := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
