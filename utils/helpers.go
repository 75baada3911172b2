package utils

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// NewID 生成任务 ID
func NewID() string {
	return uuid.NewString()
}

// CommandRunner 外部命令执行器，测试中可替换
type CommandRunner interface {
	// Run 执行命令并返回标准输出，非零退出码返回错误
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner 通过 os/exec 执行命令，Timeout>0 时为每次调用加超时
type ExecRunner struct {
	Timeout time.Duration
}

// Run 执行命令，失败时错误信息附带 stderr 末尾
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, errors.Wrapf(err, "%s not found, make sure it is installed and in PATH", name)
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "%s interrupted", name)
		}
		return nil, errors.Newf("%s failed: %v\noutput: %s", name, err, tail(stderr.String(), 2000))
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// DownloadWithContext 通过 HTTP 下载到 dest，先写 .part 再重命名
func DownloadWithContext(ctx context.Context, fileURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "http get")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, errors.Newf("unexpected status: %s", resp.Status)
	}
	return SaveStream(resp.Body, dest)
}

// SaveStream 把 r 写入 dest，写完整后才出现目标文件
func SaveStream(r io.Reader, dest string) (int64, error) {
	if err := EnsureDir(filepath.Dir(dest)); err != nil {
		return 0, err
	}
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Wrap(err, "create temp file")
	}
	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "write file")
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, errors.Wrap(err, "rename file")
	}
	return n, nil
}

// EnsureDir 确保目录存在
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// FileExists 检查文件是否存在
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetFileSize 获取文件大小
func GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
