// Package types 定義了 streamsched 系統中使用的核心領域模型
package types

import (
	"time"
)

// SubType 媒體資料子類型，描述佇列中單元的內容
type SubType int

// 定義媒體資料子類型常數
const (
	SubTypeUndefined    SubType = iota // 未定義
	SubTypeT140                        // T.140 文字位元流
	SubTypeT140Red                     // 含冗餘的 T.140 位元流
	SubTypeDTMFStart                   // DTMF 開始事件
	SubTypeDTMFPayload                 // DTMF 負載
	SubTypeDTMFEnd                     // DTMF 結束事件
	SubTypePCM                         // 原始音訊取樣
	SubTypeRTPPayload                  // RTP 負載（已解封裝）
	SubTypeRTPPacket                   // 完整 RTP 封包（已序列化）
)

var subTypeNames = map[SubType]string{
	SubTypeUndefined:   "undefined",
	SubTypeT140:        "t140",
	SubTypeT140Red:     "t140-red",
	SubTypeDTMFStart:   "dtmf-start",
	SubTypeDTMFPayload: "dtmf-payload",
	SubTypeDTMFEnd:     "dtmf-end",
	SubTypePCM:         "pcm",
	SubTypeRTPPayload:  "rtp-payload",
	SubTypeRTPPacket:   "rtp-packet",
}

func (s SubType) String() string {
	if name, ok := subTypeNames[s]; ok {
		return name
	}
	return "unknown"
}

// NodeKind 節點種類標籤，對排程器而言是不透明的
type NodeKind string

// 定義節點種類常數
const (
	KindGeneric    NodeKind = "generic"
	KindTextSource NodeKind = "text_source"
	KindDTMFSender NodeKind = "dtmf_sender"
	KindRTPEncoder NodeKind = "rtp_encoder"
	KindRTPWriter  NodeKind = "rtp_writer"
	KindRTPDecoder NodeKind = "rtp_decoder"
)

// Unit 佇列中的一個待處理資料單元
// 插入順序即傳遞順序
type Unit struct {
	SubType   SubType `json:"subtype"`   // 資料子類型
	DataType  SubType `json:"data_type"` // 附加資料類型（例如冗餘編碼的原始類型）
	Payload   []byte  `json:"payload"`   // 資料負載，長度即大小
	Timestamp uint32  `json:"timestamp"` // 時間戳（毫秒）
	Marker    bool    `json:"marker"`    // 標記位元
	Seq       uint32  `json:"seq"`       // 序列號
}

// Size 返回負載大小
func (u Unit) Size() int {
	return len(u.Payload)
}

// NodeStats 單一節點的統計資訊
type NodeStats struct {
	Name     string   `json:"name"`      // 節點名稱
	Kind     NodeKind `json:"kind"`      // 節點種類
	State    string   `json:"state"`     // 目前狀態（stopped/running）
	Queued   int      `json:"queued"`    // 佇列中待處理單元數
	Received uint64   `json:"received"`  // 已接收單元總數
	Sent     uint64   `json:"sent"`      // 已送往下游單元總數
	Dropped  uint64   `json:"dropped"`   // 已丟棄單元總數
	RunTime  bool     `json:"run_time"`  // 是否自行管理執行緒
	IsSource bool     `json:"is_source"` // 是否為來源節點
}

// SchedulerStats 排程器統計資訊
type SchedulerStats struct {
	ID         string      `json:"id"`          // 排程器實例 ID
	Alive      bool        `json:"alive"`       // 工作執行緒是否存活
	Busy       bool        `json:"busy"`        // 是否處於忙碌輪詢狀態
	Iterations uint64      `json:"iterations"`  // 驅動迴圈迭代次數
	Wakeups    uint64      `json:"wakeups"`     // 喚醒次數
	Nodes      []NodeStats `json:"nodes"`       // 已註冊節點統計
	ActiveTime int64       `json:"active_time"` // 最近一次啟動後經過的毫秒數
}

// SnapshotData 統計快照資料，用於持久化與離線檢視
type SnapshotData struct {
	ID           string         `json:"id"`            // 快照唯一識別碼
	TakenAt      time.Time      `json:"taken_at"`      // 快照建立時間
	Scheduler    SchedulerStats `json:"scheduler"`     // 排程器統計
	ActiveTimers int            `json:"active_timers"` // 存活中的計時器數量
	SchemaVer    int            `json:"schema_ver"`    // 資料結構版本號，用於向後相容性
}
