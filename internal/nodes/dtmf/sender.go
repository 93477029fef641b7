// Package dtmf paces DTMF event units onto the packetization interval.
package dtmf

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/internal/timer"
	"github.com/ChuLiYu/streamsched/pkg/types"
)

const (
	// DefaultPtime 預設封包化間隔（毫秒）
	DefaultPtime uint32 = 20
	// ClockRate telephone-event 時鐘頻率
	ClockRate = 8000
	// volume 事件音量（-dBm0）
	volume = 10
	// maxEventDuration duration 欄位上限，超過時分段
	maxEventDuration = 0xFFFF
)

// eventCodes maps keypad symbols to telephone-event codes.
const eventCodes = "0123456789*#ABCD"

// Config DTMF 節點配置
type Config struct {
	PtimeMillis uint32
}

// Sender forwards one queued DTMF unit per packetization interval. A start
// unit is sent together with the first payload unit behind it.
type Sender struct {
	*node.Base

	clock *timer.Clock

	mu    sync.Mutex
	ptime uint32
	next  uint32 // 下一次允許傳送的時間，0 表示立即
	prev  uint32 // 上一次 ProcessData 觀察到的時間
}

// NewSender creates a stopped sender. A nil clock uses the system clock.
func NewSender(name string, clk *timer.Clock, log *slog.Logger) *Sender {
	if clk == nil {
		clk = timer.SystemClock()
	}
	return &Sender{
		Base:  node.NewBase(name, types.KindDTMFSender, 0, log),
		clock: clk,
		ptime: DefaultPtime,
	}
}

func (s *Sender) Start() error {
	s.mu.Lock()
	s.next = 0
	s.mu.Unlock()

	s.SetState(node.StateRunning)
	s.Logger().Debug("start", "ptime", s.Ptime())
	return nil
}

func (s *Sender) ProcessStart() error {
	return s.Start()
}

func (s *Sender) Stop() {
	s.mu.Lock()
	s.next = 0
	s.mu.Unlock()

	s.ClearDataQueue()
	s.SetState(node.StateStopped)
}

// Ptime returns the packetization interval in milliseconds.
func (s *Sender) Ptime() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptime
}

// SetConfig accepts Config or *Config. A zero ptime keeps the default.
func (s *Sender) SetConfig(cfg any) error {
	c, ok, err := asConfig(cfg)
	if err != nil || !ok {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.PtimeMillis > 0 {
		s.ptime = c.PtimeMillis
	}
	return nil
}

func (s *Sender) IsSameConfig(cfg any) bool {
	c, ok, err := asConfig(cfg)
	if err != nil {
		return false
	}
	if !ok {
		return true
	}
	// 0 表示沿用目前的 ptime
	return c.PtimeMillis == 0 || s.Ptime() == c.PtimeMillis
}

// ProcessData sends the head unit once the next send time is reached.
func (s *Sender) ProcessData() {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.GetData()
	if !ok {
		return
	}

	now := s.clock.Milliseconds()

	// now < prev 或 next < prev 視為時鐘回繞，允許傳送
	if s.next != 0 && !(now >= s.next || now < s.prev || s.next < s.prev) {
		s.prev = now
		return
	}

	if u.SubType == types.SubTypeDTMFStart {
		s.send(u, now)
		s.next = now

		if first, ok := s.GetData(); ok && first.SubType == types.SubTypeDTMFPayload {
			s.send(first, now)
			s.next += s.ptime
		}
	} else {
		s.send(u, now)
		s.next += s.ptime
	}

	s.prev = now
}

// SendDigits queues one start unit, the payload units and one end unit per
// digit, encoded as telephone-event payloads. Unknown digits or a
// non-positive duration reject the whole request.
func (s *Sender) SendDigits(digits string, duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("%w: dtmf duration must be > 0, got %s", node.ErrInvalidParam, duration)
	}

	events := make([]byte, 0, len(digits))
	for _, d := range strings.ToUpper(digits) {
		code := strings.IndexRune(eventCodes, d)
		if code < 0 {
			return fmt.Errorf("%w: invalid dtmf digit %q", node.ErrInvalidParam, d)
		}
		events = append(events, byte(code))
	}

	ptime := s.Ptime()
	frames := uint32(duration.Milliseconds()) / ptime
	if frames == 0 {
		frames = 1
	}

	for _, ev := range events {
		s.AddData(types.Unit{SubType: types.SubTypeDTMFStart, Payload: eventPayload(ev, false, 0), Marker: true})
		for i := uint32(1); i <= frames; i++ {
			s.AddData(types.Unit{SubType: types.SubTypeDTMFPayload, Payload: eventPayload(ev, false, i*ptime)})
		}
		s.AddData(types.Unit{SubType: types.SubTypeDTMFEnd, Payload: eventPayload(ev, true, frames*ptime)})
	}

	s.Logger().Debug("digits queued", "digits", digits, "frames", frames, "queued", s.DataCount())
	return nil
}

// eventPayload encodes event, end bit, volume and duration in clock units.
func eventPayload(event byte, end bool, elapsedMs uint32) []byte {
	b := make([]byte, 4)
	b[0] = event
	b[1] = volume
	if end {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], eventDuration(elapsedMs))
	return b
}

// eventDuration converts elapsed milliseconds to the 16-bit duration field.
// Events longer than maxEventDuration clock units are split into segments
// (RFC 4733 2.5.2.3); the field counts from the start of the current segment
// and a full segment reports maxEventDuration.
func eventDuration(elapsedMs uint32) uint16 {
	units := uint64(elapsedMs) * ClockRate / 1000
	if units <= maxEventDuration {
		return uint16(units)
	}
	if r := units % maxEventDuration; r != 0 {
		return uint16(r)
	}
	return maxEventDuration
}

func (s *Sender) send(u types.Unit, now uint32) {
	u.Timestamp = now
	u.Seq = 0
	s.SendDataToRearNode(u)
	s.DeleteData()
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
