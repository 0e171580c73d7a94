package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const fileStoreName = "ledger.jsonl"

type fileRecord struct {
	Type        string       `json:"type"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Transition  *Transition  `json:"transition,omitempty"`
	SettleID    string       `json:"settle_id,omitempty"`
	Status      Status       `json:"status,omitempty"`
	ExternalRef string       `json:"external_ref,omitempty"`
	UpdatedAt   int64        `json:"updated_at,omitempty"`
}

// FileStore 以 JSON Lines 追加写入本地文件，进程重启后重放恢复，
// 适合无数据库的单机部署。
type FileStore struct {
	*MemoryStore

	mu   sync.Mutex
	file *os.File
}

// NewFileStore 在 dataDir 下打开（或创建）账本文件并加载历史记录。
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建账本目录失败: %w", err)
	}
	path := filepath.Join(dataDir, fileStoreName)
	store := &FileStore{MemoryStore: NewMemoryStore()}
	if err := store.load(path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开账本文件失败: %w", err)
	}
	store.file = file
	return store, nil
}

// Append 先落盘再更新内存索引。
func (f *FileStore) Append(ctx context.Context, tx *Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.MemoryStore.Get(ctx, tx.ID); err == nil {
		return f.MemoryStore.Append(ctx, tx)
	}
	if err := f.write(fileRecord{Type: "tx", Transaction: tx}); err != nil {
		return err
	}
	return f.MemoryStore.Append(ctx, tx)
}

// Settle 追加一条结算记录。
func (f *FileStore) Settle(ctx context.Context, id string, status Status, externalRef string, updatedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, err := f.MemoryStore.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != StatusPending {
		return ErrTransactionSettled
	}
	if err := f.write(fileRecord{Type: "settle", SettleID: id, Status: status, ExternalRef: externalRef, UpdatedAt: updatedAt}); err != nil {
		return err
	}
	return f.MemoryStore.Settle(ctx, id, status, externalRef, updatedAt)
}

// AppendTransition 追加一条状态迁移。
func (f *FileStore) AppendTransition(ctx context.Context, tr *Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.write(fileRecord{Type: "transition", Transition: tr}); err != nil {
		return err
	}
	return f.MemoryStore.AppendTransition(ctx, tr)
}

// Close 关闭账本文件。
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func (f *FileStore) write(record fileRecord) error {
	if f.file == nil {
		return fmt.Errorf("账本文件已关闭")
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化账本记录失败: %w", err)
	}
	if _, err := f.file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入账本文件失败: %w", err)
	}
	return f.file.Sync()
}

func (f *FileStore) load(path string) error {
	file, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取账本文件失败: %w", err)
	}
	defer file.Close()

	ctx := context.Background()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var record fileRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			// 进程崩溃可能留下半行，跳过即可。
			continue
		}
		switch record.Type {
		case "tx":
			if record.Transaction != nil {
				_ = f.MemoryStore.Append(ctx, record.Transaction)
			}
		case "settle":
			_ = f.MemoryStore.Settle(ctx, record.SettleID, record.Status, record.ExternalRef, record.UpdatedAt)
		case "transition":
			if record.Transition != nil {
				_ = f.MemoryStore.AppendTransition(ctx, record.Transition)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析账本文件失败: %w", err)
	}
	return nil
}
