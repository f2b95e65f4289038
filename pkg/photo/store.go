package photo

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/code-100-precent/lingecho-device/pkg/hardware/constants"
)

var formatPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,8}$`)

// Store 照片保存在本地目录，同一格式始终写到同一个文件名（只保留最新一张）
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// Filename 由格式得到固定文件名
func Filename(format string) (string, error) {
	if format == "" {
		format = constants.DefaultPhotoFormat
	}
	if !formatPattern.MatchString(format) {
		return "", &InputError{Reason: fmt.Sprintf("不支持的图片格式: %q", format)}
	}
	return constants.PhotoFilePrefix + "." + strings.ToLower(format), nil
}

// Save 写入照片，先写临时文件再 rename，并发写同一文件名时不会读到半张图
func (s *Store) Save(format string, data []byte) (filename, path string, err error) {
	filename, err = Filename(format)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("创建照片目录失败: %w", err)
	}
	path = filepath.Join(s.dir, filename)

	tmp, err := os.CreateTemp(s.dir, filename+".*.tmp")
	if err != nil {
		return "", "", fmt.Errorf("保存照片失败: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", "", fmt.Errorf("保存照片失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("保存照片失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", "", fmt.Errorf("保存照片失败: %w", err)
	}
	return filename, path, nil
}
