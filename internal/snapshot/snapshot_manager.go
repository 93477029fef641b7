package snapshot

// ============================================================================
// 職責說明：
// 1. 將排程器與計時器統計序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止讀取端看到半寫入檔案
// 3. 載入時驗證 schema 版本相容性
// 4. 供 `streamsched status` 離線檢視執行中管線的狀態
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/google/uuid"
)

// SchemaVersion 目前快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
	now  func() time.Time
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		now:  time.Now,
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Write 原子性寫入快照
//
// 流程：
// 1. 補上 ID、時間與版本號
// 2. 寫入臨時檔案（.tmp）
// 3. os.Rename 原子性替換原始檔案
//
// 返回值：
//   - types.SnapshotData: 實際寫入的資料
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(data types.SnapshotData) (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.SnapshotData) (types.SnapshotData, error) {
	if data.ID == "" {
		data.ID = uuid.NewString()
	}
	if data.TakenAt.IsZero() {
		data.TakenAt = m.now().UTC()
	}
	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return data, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return data, fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"

	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return data, fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return data, fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return data, nil
}

// Load 載入快照
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound
//   - 偵測損壞的快照檔案
//   - 驗證 schema 版本是否相容
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
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

// WriteWithBackup 寫入快照並保留最近 keepBackups 份舊版本
//
// 舊快照改名為 <path>.<UTC 時間戳>，超出數量的最舊備份會被刪除。
// keepBackups <= 0 等同 Write。
func (m *Manager) WriteWithBackup(data types.SnapshotData, keepBackups int) (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keepBackups > 0 && m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().UTC().Format("20060102T150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return data, fmt.Errorf("failed to backup old snapshot: %w", err)
		}
		if err := m.pruneBackupsLocked(keepBackups); err != nil {
			return data, err
		}
	}

	return m.writeLocked(data)
}

// Backups 依時間由舊到新列出備份檔
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
