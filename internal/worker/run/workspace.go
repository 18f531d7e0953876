package run

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// 工作区里的子目录，按需创建
const (
	ProgramDir          = "program"
	InputDataDir        = "input_data"
	ReferenceDataDir    = "reference_data"
	IngestionProgramDir = "ingestion_program"
	OutputDir           = "output"
)

// Workspace 单个 Run 独占的临时目录树，每个 Run 的目录名唯一
type Workspace struct {
	root      string
	removeAll func(string) error

	mu       sync.Mutex
	released bool
}

// AcquireWorkspace 在 parent 下创建一个唯一命名的目录
func AcquireWorkspace(parent string) (*Workspace, error) {
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	root, err := os.MkdirTemp(parent, "run-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: root, removeAll: os.RemoveAll}, nil
}

func (w *Workspace) Root() string {
	return w.root
}

func (w *Workspace) Path(sub string) string {
	return filepath.Join(w.root, sub)
}

func (w *Workspace) OutputDir() string {
	return w.Path(OutputDir)
}

// EnsureDir 创建子目录 (含中间目录) 并返回绝对路径
func (w *Workspace) EnsureDir(sub string) (string, error) {
	dir := w.Path(sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Release 删除整个目录树，多次调用只生效一次
func (w *Workspace) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil
	}
	w.released = true
	if err := w.removeAll(w.root); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.root, err)
	}
	return nil
}
