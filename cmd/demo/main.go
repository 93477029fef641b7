// Command demo runs a loopback T.140 session: a text source paced by one
// scheduler sends RTP over UDP to a local socket, where a run-time decoder
// prints the received blocks.
//
//	go run ./cmd/demo "hello world" "second line"
package main

import (
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/internal/nodes/rtpnode"
	"github.com/ChuLiYu/streamsched/internal/nodes/text"
	"github.com/ChuLiYu/streamsched/internal/scheduler"
	"github.com/ChuLiYu/streamsched/pkg/types"
)

const (
	payloadType   = 98
	lineSeparator = "\u2028"
)

type udpTransport struct{ conn net.Conn }

func (t udpTransport) Send(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

// printer is the decoder's rear node.
type printer struct{ start time.Time }

func (p printer) OnDataFromFrontNode(u types.Unit) {
	elapsed := time.Since(p.start).Round(time.Millisecond)
	switch {
	case len(u.Payload) == 0:
		fmt.Printf("  [%6s] seq=%-5d ts=%-8d (empty redundancy block)\n", elapsed, u.Seq, u.Timestamp)
	case string(u.Payload) == "\uFEFF":
		fmt.Printf("  [%6s] seq=%-5d ts=%-8d BOM\n", elapsed, u.Seq, u.Timestamp)
	default:
		fmt.Printf("  [%6s] seq=%-5d ts=%-8d %q\n", elapsed, u.Seq, u.Timestamp, strings.ReplaceAll(string(u.Payload), lineSeparator, "⏎"))
	}
}

func main() {
	lines := os.Args[1:]
	if len(lines) == 0 {
		lines = []string{"hello from streamsched", "real-time text over RTP"}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// 接收端
	lis, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	defer lis.Close()

	dec := rtpnode.NewDecoder("rtp-decoder", logger)
	if err := dec.SetConfig(rtpnode.Config{PayloadType: payloadType}); err != nil {
		log.Fatalf("Failed to configure decoder: %v", err)
	}
	dec.ConnectRearNode(printer{start: time.Now()})
	// run-time 節點自行啟動，排程器不會呼叫 ProcessStart
	if err := dec.Start(); err != nil {
		log.Fatalf("Failed to start decoder: %v", err)
	}

	recv := scheduler.DefaultConfig()
	recv.ThreadName = "DemoReceiver"
	recv.Logger = logger
	recvSched := scheduler.New(recv)
	recvSched.RegisterNode(dec)
	recvSched.Start()

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := lis.ReadFrom(buf)
			if err != nil {
				return
			}
			dec.OnDataFromFrontNode(types.Unit{
				SubType: types.SubTypeRTPPacket,
				Payload: append([]byte(nil), buf[:n]...),
			})
		}
	}()

	// 傳送端
	conn, err := net.Dial("udp", lis.LocalAddr().String())
	if err != nil {
		log.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	src := text.NewSource("text-source", nil, logger)
	enc := rtpnode.NewEncoder("text-encoder", logger)
	w := rtpnode.NewWriter("rtp-writer", udpTransport{conn}, logger)

	if err := src.SetConfig(text.Config{Codec: text.CodecT140Red, RedundantLevel: 2}); err != nil {
		log.Fatalf("Failed to configure source: %v", err)
	}
	if err := enc.SetConfig(rtpnode.Config{PayloadType: payloadType, SSRC: 0x5eed, ClockRate: 1000}); err != nil {
		log.Fatalf("Failed to configure encoder: %v", err)
	}
	src.ConnectRearNode(enc)
	enc.ConnectRearNode(w)

	sendSched := scheduler.New(scheduler.DefaultConfig())
	for _, n := range []node.Node{src, enc, w} {
		n.SetWaker(sendSched)
		sendSched.RegisterNode(n)
	}
	sendSched.Start()

	fmt.Printf("✓ Loopback session on %s (T.140 + redundancy level 2)\n", lis.LocalAddr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

send:
	for _, line := range lines {
		fmt.Printf("\n→ %q\n", line)
		src.SendRtt(line + lineSeparator)

		// 每 BufferingTime 最多送出 MaxCharsPerSend 個字元
		wait := time.Duration(len(line)/text.MaxCharsPerSend+3) * time.Duration(text.BufferingTime) * time.Millisecond
		select {
		case <-sigChan:
			break send
		case <-time.After(wait):
		}
	}

	sendSched.Stop()
	recvSched.Stop()
	dec.Stop()

	st := sendSched.Stats()
	fmt.Printf("\n📊 Sender scheduler: iterations=%d wakeups=%d\n", st.Iterations, st.Wakeups)
	for _, n := range st.Nodes {
		fmt.Printf("  %-14s sent=%-4d dropped=%d\n", n.Name, n.Sent, n.Dropped)
	}
	fmt.Println("✓ Stopped")
}
