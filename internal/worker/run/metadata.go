package run

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// 这两条原样作为 status_details 展示给用户，首字母保持大写
//
//nolint:stylecheck // ST1005
var (
	ErrMissingMetadata = errors.New("Program directory missing 'metadata.yaml'")
	ErrMissingCommand  = errors.New("Program directory missing 'command' in metadata")
)

// 按顺序查找的描述文件名
var metadataFiles = []string{"metadata.yaml", "metadata"}

// ProgramMetadata 程序目录里的描述文件，只关心入口命令
type ProgramMetadata struct {
	Command     string `yaml:"command"`
	Description string `yaml:"description,omitempty"`
}

func ReadProgramMetadata(dir string) (*ProgramMetadata, error) {
	for _, name := range metadataFiles {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var meta ProgramMetadata
		if err := yaml.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		meta.Command = strings.TrimSpace(meta.Command)
		if meta.Command == "" {
			return nil, ErrMissingCommand
		}
		return &meta, nil
	}
	return nil, ErrMissingMetadata
}
