package dtmf

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/internal/timer"
	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu    sync.Mutex
	units []types.Unit
}

func (c *collector) OnDataFromFrontNode(u types.Unit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = append(c.units, u)
}

func (c *collector) got() []types.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Unit(nil), c.units...)
}

func newTestSender(t *testing.T, epochMs uint64) (*Sender, *clock.Mock, *collector) {
	t.Helper()

	mock := clock.NewMock()
	clk := timer.NewClock(mock)
	clk.SetStartTimeInMicroseconds(epochMs * 1000)

	s := NewSender("dtmf", clk, nil)
	sink := &collector{}
	s.ConnectRearNode(sink)
	require.NoError(t, s.Start())
	return s, mock, sink
}

func queueEvent(s *Sender, payloads int) {
	s.AddData(types.Unit{SubType: types.SubTypeDTMFStart, Payload: []byte{1}})
	for i := 0; i < payloads; i++ {
		s.AddData(types.Unit{SubType: types.SubTypeDTMFPayload, Payload: []byte{1, byte(i)}})
	}
	s.AddData(types.Unit{SubType: types.SubTypeDTMFEnd, Payload: []byte{1, 0x80}, Marker: true})
}

func TestConfig(t *testing.T) {
	s := NewSender("dtmf", nil, nil)
	assert.Equal(t, DefaultPtime, s.Ptime())
	assert.False(t, s.Capabilities().Has(node.CapSource))

	require.NoError(t, s.SetConfig(Config{PtimeMillis: 40}))
	assert.Equal(t, uint32(40), s.Ptime())
	assert.True(t, s.IsSameConfig(&Config{PtimeMillis: 40}))
	assert.False(t, s.IsSameConfig(Config{PtimeMillis: 20}))
	assert.True(t, s.IsSameConfig(nil))

	// zero keeps the current value
	require.NoError(t, s.SetConfig(Config{}))
	assert.Equal(t, uint32(40), s.Ptime())
	assert.True(t, s.IsSameConfig(Config{}), "zero ptime needs no reconfiguration")

	assert.ErrorIs(t, s.SetConfig("x"), node.ErrInvalidParam)
}

func TestStartSendsFirstPayload(t *testing.T) {
	s, _, sink := newTestSender(t, 1000)
	queueEvent(s, 3)

	s.ProcessData()
	got := sink.got()
	require.Len(t, got, 2)
	assert.Equal(t, types.SubTypeDTMFStart, got[0].SubType)
	assert.Equal(t, types.SubTypeDTMFPayload, got[1].SubType)
	assert.Equal(t, uint32(1000), got[0].Timestamp)
	assert.Equal(t, 3, s.DataCount())
}

func TestPacedByPtime(t *testing.T) {
	s, mock, sink := newTestSender(t, 1000)
	queueEvent(s, 3)

	s.ProcessData()
	require.Len(t, sink.got(), 2)

	// same instant: throttled
	s.ProcessData()
	assert.Len(t, sink.got(), 2)

	mock.Add(10 * time.Millisecond)
	s.ProcessData()
	assert.Len(t, sink.got(), 2)

	mock.Add(10 * time.Millisecond)
	s.ProcessData()
	assert.Len(t, sink.got(), 3)

	mock.Add(20 * time.Millisecond)
	s.ProcessData()
	mock.Add(20 * time.Millisecond)
	s.ProcessData()

	got := sink.got()
	require.Len(t, got, 5)
	assert.Equal(t, types.SubTypeDTMFEnd, got[4].SubType)
	assert.True(t, got[4].Marker)
	assert.Equal(t, uint32(1060), got[4].Timestamp)
	assert.Equal(t, 0, s.DataCount())
}

func TestWraparoundDoesNotStall(t *testing.T) {
	s, mock, sink := newTestSender(t, math.MaxUint32-10)
	queueEvent(s, 2)

	s.ProcessData()
	require.Len(t, sink.got(), 2)

	// next wrapped below prev: treated as a clock reset
	s.ProcessData()
	assert.Len(t, sink.got(), 3)

	mock.Add(20 * time.Millisecond)
	s.ProcessData()
	assert.Len(t, sink.got(), 4)
}

func TestStopResets(t *testing.T) {
	s, _, sink := newTestSender(t, 1000)
	queueEvent(s, 2)
	s.ProcessData()
	s.Stop()

	assert.Equal(t, 0, s.DataCount())
	assert.Equal(t, node.StateStopped, s.State())

	require.NoError(t, s.ProcessStart())
	queueEvent(s, 1)
	s.ProcessData()
	assert.Len(t, sink.got(), 4, "next send time cleared by Stop")
}

func TestSendDigits(t *testing.T) {
	s := NewSender("dtmf", nil, nil)
	require.NoError(t, s.SendDigits("1#", 60*time.Millisecond))

	// per digit: start + 3 payload + end
	require.Equal(t, 10, s.DataCount())

	var got []types.Unit
	for s.DataCount() > 0 {
		u, _ := s.GetData()
		s.DeleteData()
		got = append(got, u)
	}

	assert.Equal(t, types.SubTypeDTMFStart, got[0].SubType)
	assert.True(t, got[0].Marker)
	assert.Equal(t, []byte{1, 10, 0, 0}, got[0].Payload)
	assert.Equal(t, []byte{1, 10, 0x00, 0xA0}, got[1].Payload, "20 ms at 8 kHz")
	assert.Equal(t, types.SubTypeDTMFEnd, got[4].SubType)
	assert.Equal(t, []byte{1, 0x8A, 0x01, 0xE0}, got[4].Payload, "end bit and 60 ms")
	assert.Equal(t, byte(11), got[5].Payload[0], "# is event 11")

	assert.ErrorIs(t, s.SendDigits("1x", time.Second), node.ErrInvalidParam)
	assert.Equal(t, 0, s.DataCount(), "invalid input queues nothing")
}

func TestSendDigitsRejectsNonPositiveDuration(t *testing.T) {
	s := NewSender("dtmf", nil, nil)

	for _, d := range []time.Duration{0, -time.Millisecond, -time.Hour} {
		assert.ErrorIs(t, s.SendDigits("5", d), node.ErrInvalidParam, "duration %s", d)
	}
	assert.Equal(t, 0, s.DataCount())
}

func TestLongEventSegmentsDuration(t *testing.T) {
	s := NewSender("dtmf", nil, nil)
	require.NoError(t, s.SendDigits("9", 10*time.Second))

	var got []types.Unit
	for s.DataCount() > 0 {
		u, _ := s.GetData()
		s.DeleteData()
		got = append(got, u)
	}
	require.Len(t, got, 2+500)

	durationOf := func(u types.Unit) uint32 {
		return uint32(binary.BigEndian.Uint16(u.Payload[2:]))
	}

	// 10 s = 80000 clock units: one full segment, then 80000-65535
	end := got[len(got)-1]
	assert.Equal(t, types.SubTypeDTMFEnd, end.SubType)
	assert.Equal(t, uint32(80000-0xFFFF), durationOf(end))

	// the field grows within a segment and restarts once at the boundary
	restarts := 0
	for i := 2; i < len(got); i++ {
		if durationOf(got[i]) < durationOf(got[i-1]) {
			restarts++
		}
	}
	assert.Equal(t, 1, restarts)
}

func TestEventDuration(t *testing.T) {
	tests := []struct {
		ms   uint32
		want uint16
	}{
		{0, 0},
		{20, 160},
		{8000, 64000},
		{8191, 65528},
		{8192, 1},
		{16383, 65529},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, eventDuration(tt.ms), "%d ms", tt.ms)
	}
}
