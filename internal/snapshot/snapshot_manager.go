package snapshot

// ============================================================================
// 職責說明：
// 1. 將 Registry 的唯讀快照序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 快照只供 status 查詢與除錯，不會把計數器寫回 Registry
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/idmgr/pkg/types"
)

// SchemaVer 目前的快照格式版本
const SchemaVer = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
	ErrChecksumMismatch    = fmt.Errorf("%w: checksum mismatch", ErrCorruptedSnapshot)
)

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 內容加上 CRC32 校驗和後寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.RegistrySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVer

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	jsonBytes, err := seal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		// 重新命名失敗，清理臨時檔案
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案（JSON 錯誤或校驗和不符）
func (m *Manager) Load() (types.RegistrySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.RegistrySnapshot

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	body, err := open(jsonBytes)
	if err != nil {
		return data, err
	}

	if err := json.Unmarshal(body, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVer {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVer)
	}

	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}
