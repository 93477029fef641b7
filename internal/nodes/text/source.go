// ============================================================================
// StreamSched Text Source Node - Real-Time Text Pacing
// ============================================================================
//
// Package: internal/nodes/text
// File: source.go
// Purpose: Source node that buffers typed characters and releases them as
//          T.140 blocks at a fixed buffering interval
//
// Pacing policy:
//   - At most one send per BufferingTime (300 ms)
//   - The first send after Start is a UTF-8 BOM, as soon as data is queued
//   - A send carries at most MaxCharsPerSend characters
//   - After a real send the redundancy counter is set to level+1; while the
//     queue is empty, each interval emits one empty block and decrements it
//
// ============================================================================

package text

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/internal/timer"
	"github.com/ChuLiYu/streamsched/pkg/types"
)

const (
	// BufferingTime T.140 緩衝時間（毫秒）
	BufferingTime uint32 = 300
	// MaxCharsPerSend 每次傳送的字元上限（每秒 30 字元 / 3）
	MaxCharsPerSend = 10
	// MaxPayloadSize 單一區塊的位元組上限
	MaxPayloadSize = 4096
)

// bom is the UTF-8 byte order mark sent ahead of the first block.
var bom = []byte{0xEF, 0xBB, 0xBF}

// Codec identifies the text codec.
type Codec int

const (
	CodecNone Codec = iota
	CodecT140
	CodecT140Red
)

func (c Codec) String() string {
	switch c {
	case CodecT140:
		return "t140"
	case CodecT140Red:
		return "t140-red"
	default:
		return "none"
	}
}

// ParseCodec maps a config name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "t140":
		return CodecT140, nil
	case "t140-red", "red":
		return CodecT140Red, nil
	default:
		return CodecNone, fmt.Errorf("%w: unknown text codec %q", node.ErrInvalidParam, name)
	}
}

// Config 文字節點配置
type Config struct {
	Codec          Codec
	RedundantLevel int
	Bitrate        int
}

// Source paces queued characters into T.140 blocks.
type Source struct {
	*node.Base

	clock *timer.Clock

	mu             sync.Mutex // 保護以下欄位並序列化 ProcessData 與 SendRtt
	config         Config
	redundantCount int
	lastSent       uint32 // 0 表示尚未傳送
	sentBOM        bool
}

// NewSource creates a stopped text source. A nil clock uses the system clock.
func NewSource(name string, clk *timer.Clock, log *slog.Logger) *Source {
	if clk == nil {
		clk = timer.SystemClock()
	}
	return &Source{
		Base:  node.NewBase(name, types.KindTextSource, node.CapSource, log),
		clock: clk,
	}
}

// Start resets pacing state. It fails when no codec is configured.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Logger().Debug("start", "codec", s.config.Codec, "redundant_level", s.config.RedundantLevel)

	if s.config.Codec == CodecNone {
		return fmt.Errorf("%w: text codec not set", node.ErrInvalidParam)
	}

	s.redundantCount = 0
	s.lastSent = 0
	s.sentBOM = false
	s.SetState(node.StateRunning)
	return nil
}

func (s *Source) ProcessStart() error {
	return s.Start()
}

func (s *Source) Stop() {
	s.Logger().Debug("stop")
	s.ClearDataQueue()
	s.SetState(node.StateStopped)
}

// SetConfig accepts Config or *Config. nil is ignored.
func (s *Source) SetConfig(cfg any) error {
	c, ok, err := asConfig(cfg)
	if err != nil || !ok {
		return err
	}

	s.mu.Lock()
	s.config = c
	s.mu.Unlock()
	return nil
}

// IsSameConfig compares codec, redundant level and bitrate. nil counts as same.
func (s *Source) IsSameConfig(cfg any) bool {
	c, ok, err := asConfig(cfg)
	if err != nil {
		return false
	}
	if !ok {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config == c
}

// ProcessData emits at most one block per buffering interval.
func (s *Source) ProcessData() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Milliseconds()
	if s.lastSent != 0 && now-s.lastSent < BufferingTime {
		return
	}

	if s.DataCount() > 0 && !s.sentBOM {
		s.sendBlock(bom, now)
		s.sentBOM = true
		return
	}

	if s.DataCount() > 0 {
		payload := make([]byte, 0, MaxPayloadSize)
		chars := 0
		for chars < MaxCharsPerSend {
			u, ok := s.GetData()
			if !ok || len(payload)+u.Size() >= MaxPayloadSize {
				break
			}
			payload = append(payload, u.Payload...)
			chars++
			s.DeleteData()
		}

		s.Logger().Debug("block sent", "size", len(payload), "chars", chars, "queued", s.DataCount())
		s.sendBlock(payload, now)
	} else if s.redundantCount > 0 {
		// 無新資料時送出空區塊，標記閒置期開始
		s.Logger().Debug("empty block sent", "redundant_count", s.redundantCount)
		s.lastSent = now
		s.SendDataToRearNode(types.Unit{SubType: types.SubTypeT140, Timestamp: now})
		s.redundantCount--
	}
}

// SendRtt splits text into UTF-8 characters and queues one unit per character.
func (s *Source) SendRtt(text string) {
	if len(text) == 0 {
		s.Logger().Warn("empty text ignored")
		return
	}

	data := []byte(text)
	for len(data) > 0 {
		n := charLen(data)

		s.mu.Lock()
		s.AddData(types.Unit{SubType: types.SubTypeT140, Payload: data[:n]})
		s.mu.Unlock()

		data = data[n:]
	}

	s.Logger().Debug("text queued", "size", len(text), "queued", s.DataCount())
}

func (s *Source) sendBlock(payload []byte, now uint32) {
	s.lastSent = now
	s.SendDataToRearNode(types.Unit{
		SubType:   types.SubTypeT140,
		Payload:   payload,
		Timestamp: now,
	})
	s.redundantCount = s.config.RedundantLevel + 1
}

// charLen returns the byte length of the leading character by its lead byte.
// A truncated sequence is taken one byte at a time.
func charLen(data []byte) int {
	b := data[0]
	switch {
	case b >= 0xC2 && b <= 0xDF && len(data) >= 2:
		return 2
	case b >= 0xE0 && b <= 0xEF && len(data) >= 3:
		return 3
	case b >= 0xF0 && len(data) >= 4:
		return 4
	default:
		return 1
	}
}

func asConfig(cfg any) (Config, bool, error) {
	switch c := cfg.(type) {
	case nil:
		return Config{}, false, nil
	case Config:
		return c, true, nil
	case *Config:
		if c == nil {
			return Config{}, false, nil
		}
		return *c, true, nil
	default:
		return Config{}, false, fmt.Errorf("%w: unexpected config type %T", node.ErrInvalidParam, cfg)
	}
}
