// ============================================================================
// StreamSched RTP Framing Nodes
// ============================================================================
//
// Package: internal/nodes/rtpnode
// File: encoder.go
// Purpose: Wrap media units into RTP packets (Encoder), hand packets to a
//          transport (Writer), and unwrap received packets (Decoder)
//
//   [source] ──Unit──> Encoder ──SubTypeRTPPacket──> Writer ──> Transport
//   Transport ──SubTypeRTPPacket──> Decoder ──SubTypeRTPPayload──> [rear]
//
// Packet timestamps are in clock_rate units: ts = unit_ms * clock_rate / 1000.
//
// ============================================================================

package rtpnode

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/pion/rtp"
)

// Config RTP 封裝配置
type Config struct {
	PayloadType uint8
	SSRC        uint32
	ClockRate   uint32
}

// Encoder converts queued units into marshaled RTP packets.
type Encoder struct {
	*node.Base

	mu        sync.Mutex
	config    Config
	sequencer rtp.Sequencer
}

// NewEncoder creates a stopped encoder with a random initial sequence number.
func NewEncoder(name string, log *slog.Logger) *Encoder {
	return &Encoder{
		Base:      node.NewBase(name, types.KindRTPEncoder, 0, log),
		sequencer: rtp.NewRandomSequencer(),
	}
}

// Start requires a non-zero clock rate.
func (e *Encoder) Start() error {
	e.mu.Lock()
	cfg := e.config
	e.mu.Unlock()

	if cfg.ClockRate == 0 {
		return fmt.Errorf("%w: rtp clock rate not set", node.ErrInvalidParam)
	}

	e.SetState(node.StateRunning)
	e.Logger().Debug("start", "payload_type", cfg.PayloadType, "ssrc", cfg.SSRC, "clock_rate", cfg.ClockRate)
	return nil
}

func (e *Encoder) ProcessStart() error { return e.Start() }

func (e *Encoder) Stop() {
	e.ClearDataQueue()
	e.SetState(node.StateStopped)
}

func (e *Encoder) SetConfig(cfg any) error {
	c, ok, err := asConfig(cfg)
	if err != nil || !ok {
		return err
	}
	e.mu.Lock()
	e.config = c
	e.mu.Unlock()
	return nil
}

func (e *Encoder) IsSameConfig(cfg any) bool {
	c, ok, err := asConfig(cfg)
	if err != nil {
		return false
	}
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config == c
}

// ProcessData packetizes every queued unit.
func (e *Encoder) ProcessData() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		u, ok := e.GetData()
		if !ok {
			return
		}
		e.DeleteData()

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         u.Marker,
				PayloadType:    e.config.PayloadType,
				SequenceNumber: e.sequencer.NextSequenceNumber(),
				Timestamp:      uint32(uint64(u.Timestamp) * uint64(e.config.ClockRate) / 1000),
				SSRC:           e.config.SSRC,
			},
			Payload: u.Payload,
		}

		raw, err := pkt.Marshal()
		if err != nil {
			e.Drop(u, err.Error())
			continue
		}

		e.SendDataToRearNode(types.Unit{
			SubType:   types.SubTypeRTPPacket,
			DataType:  u.SubType,
			Payload:   raw,
			Timestamp: u.Timestamp,
			Marker:    u.Marker,
			Seq:       uint32(pkt.SequenceNumber),
		})
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
