package cli

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/streamsched/internal/metrics"
	"github.com/ChuLiYu/streamsched/internal/node"
	"github.com/ChuLiYu/streamsched/internal/nodes/dtmf"
	"github.com/ChuLiYu/streamsched/internal/nodes/rtpnode"
	"github.com/ChuLiYu/streamsched/internal/nodes/text"
	"github.com/ChuLiYu/streamsched/internal/scheduler"
	"github.com/ChuLiYu/streamsched/internal/snapshot"
	"github.com/ChuLiYu/streamsched/internal/timer"
	"github.com/ChuLiYu/streamsched/internal/worker"
	"github.com/ChuLiYu/streamsched/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// dtmfCommand 輸入行以此開頭時視為 DTMF 按鍵
const dtmfCommand = "/dtmf "

// lineSeparator is the T.140 line break (U+2028).
const lineSeparator = "\u2028"

// pipeline wires the demo session:
//
//	text source ──> text encoder ──┐
//	                               ├──> writer ──> transport
//	dtmf sender ──> dtmf encoder ──┘
type pipeline struct {
	cfg *Config
	log *slog.Logger

	registry  *prometheus.Registry
	collector *metrics.Collector
	timers    *timer.Facility
	sched     *scheduler.Scheduler
	snapshots *snapshot.Manager

	text    *text.Source
	textEnc *rtpnode.Encoder
	dtmf    *dtmf.Sender
	dtmfEnc *rtpnode.Encoder
	writer  *rtpnode.Writer
	nodes   []node.Node
}

func newPipeline(cfg *Config, transport rtpnode.Transport, log *slog.Logger) (*pipeline, error) {
	codec, err := text.ParseCodec(cfg.Text.Codec)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	timers := timer.New(timer.Config{Logger: log, Metrics: collector})

	schedCfg := scheduler.DefaultConfig()
	schedCfg.PollInterval = cfg.Scheduler.PollInterval
	schedCfg.StopTimeout = cfg.Scheduler.StopTimeout
	schedCfg.Logger = log
	schedCfg.Metrics = collector
	if cfg.Scheduler.Realtime {
		schedCfg.Priority = worker.PriorityRealtime
	}

	p := &pipeline{
		cfg:       cfg,
		log:       log.With("component", "pipeline"),
		registry:  reg,
		collector: collector,
		timers:    timers,
		sched:     scheduler.New(schedCfg),
		snapshots: snapshot.NewManager(cfg.Snapshot.Path),
		text:      text.NewSource("text-source", timers.Clock(), log),
		textEnc:   rtpnode.NewEncoder("text-encoder", log),
		dtmf:      dtmf.NewSender("dtmf-sender", timers.Clock(), log),
		dtmfEnc:   rtpnode.NewEncoder("dtmf-encoder", log),
		writer:    rtpnode.NewWriter("rtp-writer", transport, log),
	}

	configs := []struct {
		n   node.Node
		cfg any
	}{
		{p.text, text.Config{Codec: codec, RedundantLevel: cfg.Text.RedundantLevel, Bitrate: cfg.Text.Bitrate}},
		{p.textEnc, rtpnode.Config{PayloadType: cfg.RTP.PayloadType, SSRC: cfg.RTP.SSRC, ClockRate: cfg.RTP.ClockRate}},
		{p.dtmf, dtmf.Config{PtimeMillis: cfg.DTMF.PtimeMs}},
		{p.dtmfEnc, rtpnode.Config{PayloadType: cfg.DTMF.PayloadType, SSRC: cfg.RTP.SSRC + 1, ClockRate: dtmf.ClockRate}},
	}
	for _, c := range configs {
		if err := c.n.SetConfig(c.cfg); err != nil {
			return nil, fmt.Errorf("failed to configure %s: %w", c.n.Name(), err)
		}
	}

	p.text.ConnectRearNode(p.textEnc)
	p.textEnc.ConnectRearNode(p.writer)
	p.dtmf.ConnectRearNode(p.dtmfEnc)
	p.dtmfEnc.ConnectRearNode(p.writer)

	p.nodes = []node.Node{p.text, p.textEnc, p.dtmf, p.dtmfEnc, p.writer}
	for _, n := range p.nodes {
		n.SetWaker(p.sched)
		p.sched.RegisterNode(n)
	}

	return p, nil
}

// start launches the drive loop; the loop starts every node.
func (p *pipeline) start() {
	p.sched.Start()
}

// stop halts the drive loop, then every node.
func (p *pipeline) stop() {
	p.sched.Stop()
	for _, n := range p.nodes {
		n.Stop()
	}
}

// handleLine routes one input line to the text or dtmf source.
func (p *pipeline) handleLine(line string) error {
	if digits, ok := strings.CutPrefix(line, dtmfCommand); ok {
		if err := p.dtmf.SendDigits(strings.TrimSpace(digits), p.cfg.DTMF.Duration); err != nil {
			return err
		}
		p.sched.Awake()
		return nil
	}

	p.text.SendRtt(line + lineSeparator)
	return nil
}

// takeSnapshot writes current statistics and refreshes node gauges.
func (p *pipeline) takeSnapshot() (types.SnapshotData, error) {
	begin := time.Now()

	stats := p.sched.Stats()
	p.collector.UpdateNodeStats(stats.Nodes)

	data, err := p.snapshots.WriteWithBackup(types.SnapshotData{
		Scheduler:    stats,
		ActiveTimers: p.timers.Active(),
	}, p.cfg.Snapshot.Backups)
	if err != nil {
		return data, fmt.Errorf("failed to write snapshot: %w", err)
	}

	p.collector.ObserveSnapshot(time.Since(begin).Seconds())
	p.log.Debug("snapshot written", "id", data.ID, "path", p.snapshots.GetPath())
	return data, nil
}
