package rtpnode

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/pkg/types"
)

// Transport sends one serialized packet. Implementations must not block for
// long; the writer runs on the scheduler thread.
type Transport interface {
	Send(packet []byte) error
}

// Writer is a sink that hands every queued packet to a Transport.
type Writer struct {
	*node.Base

	mu        sync.Mutex
	transport Transport
}

// NewWriter creates a stopped writer.
func NewWriter(name string, t Transport, log *slog.Logger) *Writer {
	return &Writer{
		Base:      node.NewBase(name, types.KindRTPWriter, node.CapSink, log),
		transport: t,
	}
}

// Start requires a transport.
func (w *Writer) Start() error {
	w.mu.Lock()
	t := w.transport
	w.mu.Unlock()

	if t == nil {
		return fmt.Errorf("%w: no transport", node.ErrInvalidParam)
	}
	w.SetState(node.StateRunning)
	return nil
}

func (w *Writer) ProcessStart() error { return w.Start() }

func (w *Writer) Stop() {
	w.ClearDataQueue()
	w.SetState(node.StateStopped)
}

// SetConfig accepts a Transport.
func (w *Writer) SetConfig(cfg any) error {
	if cfg == nil {
		return nil
	}
	t, ok := cfg.(Transport)
	if !ok {
		return fmt.Errorf("%w: unexpected config type %T", node.ErrInvalidParam, cfg)
	}
	w.mu.Lock()
	w.transport = t
	w.mu.Unlock()
	return nil
}

// IsSameConfig reports whether cfg is the transport in use. Transports whose
// dynamic type is not comparable never match.
func (w *Writer) IsSameConfig(cfg any) bool {
	if cfg == nil {
		return true
	}
	t, ok := cfg.(Transport)
	if !ok {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.transport == nil || reflect.TypeOf(t) != reflect.TypeOf(w.transport) {
		return false
	}
	if !reflect.TypeOf(t).Comparable() {
		return false
	}
	return t == w.transport
}

// ProcessData sends every queued packet. Failed sends drop the packet.
func (w *Writer) ProcessData() {
	w.mu.Lock()
	t := w.transport
	w.mu.Unlock()

	for {
		u, ok := w.GetData()
		if !ok {
			return
		}
		w.DeleteData()

		if u.SubType != types.SubTypeRTPPacket {
			w.Drop(u, "not an rtp packet")
			continue
		}
		if err := t.Send(u.Payload); err != nil {
			w.Drop(u, "send failed: "+err.Error())
		}
	}
}
