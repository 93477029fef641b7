package rtpnode

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/pion/rtp"
)

// Decoder is a run-time node: it parses packets on the producer's goroutine
// as they arrive and is skipped by the scheduler's drive loop. Its owner
// starts it.
type Decoder struct {
	*node.Base

	mu          sync.Mutex // 序列化解析與轉送
	filter      bool       // 已設定配置時只接受 payloadType
	payloadType uint8
}

// NewDecoder creates a stopped decoder.
func NewDecoder(name string, log *slog.Logger) *Decoder {
	return &Decoder{
		Base: node.NewBase(name, types.KindRTPDecoder, node.CapRunTime|node.CapRunTimeStart, log),
	}
}

func (d *Decoder) Start() error {
	d.SetState(node.StateRunning)
	return nil
}

func (d *Decoder) ProcessStart() error { return d.Start() }

func (d *Decoder) Stop() {
	d.SetState(node.StateStopped)
	d.ClearDataQueue()
}

// SetConfig accepts Config or *Config; only PayloadType is used, as a filter.
// Every payload type, 0 (PCMU) included, is a valid filter. A nil config
// removes the filter.
func (d *Decoder) SetConfig(cfg any) error {
	c, ok, err := asConfig(cfg)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.filter = ok
	d.payloadType = c.PayloadType
	d.mu.Unlock()
	return nil
}

func (d *Decoder) IsSameConfig(cfg any) bool {
	c, ok, err := asConfig(cfg)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !ok {
		return !d.filter
	}
	return d.filter && d.payloadType == c.PayloadType
}

// OnDataFromFrontNode queues u and decodes immediately when running.
func (d *Decoder) OnDataFromFrontNode(u types.Unit) {
	d.AddData(u)
	if d.IsRunning() {
		d.ProcessData()
	}
}

// ProcessData decodes every queued packet and forwards its payload.
func (d *Decoder) ProcessData() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		u, ok := d.GetData()
		if !ok {
			return
		}
		d.DeleteData()

		var pkt rtp.Packet
		if err := pkt.Unmarshal(u.Payload); err != nil {
			d.Drop(u, "malformed rtp packet: "+err.Error())
			continue
		}
		if d.filter && pkt.PayloadType != d.payloadType {
			d.Drop(u, "unexpected payload type")
			continue
		}

		d.SendDataToRearNode(types.Unit{
			SubType:   types.SubTypeRTPPayload,
			DataType:  u.DataType,
			Payload:   pkt.Payload,
			Timestamp: pkt.Timestamp,
			Marker:    pkt.Marker,
			Seq:       uint32(pkt.SequenceNumber),
		})
	}
}
