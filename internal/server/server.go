package server

// ============================================================================
// 職責說明：
// 1. 以 gRPC 標準健康檢查協定 (grpc.health.v1) 暴露排程器存活狀態
// 2. 定期輪詢 Liveness，工作執行緒消失時回報 NOT_SERVING
// 3. Serve 隨 context 結束而 GracefulStop
// ============================================================================

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName 排程器在健康檢查中的服務名稱
const ServiceName = "streamsched.Scheduler"

// DefaultPollInterval 存活狀態輪詢間隔
const DefaultPollInterval = time.Second

// Liveness reports whether the scheduler's worker thread exists.
type Liveness interface {
	IsThreadAlive() bool
}

// Server serves grpc.health.v1 for one scheduler.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	source   Liveness
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	serving  bool
	lastSeen time.Time // 最近一次觀察到存活的時間
}

// NewServer 建立健康檢查伺服器；interval <= 0 時使用 DefaultPollInterval
func NewServer(src Liveness, interval time.Duration, log *slog.Logger) *Server {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		source:   src,
		interval: interval,
		log:      log.With("component", "server"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Refresh 依目前存活狀態更新健康狀態，返回是否存活
func (s *Server) Refresh() bool {
	alive := s.source != nil && s.source.IsThreadAlive()

	s.mu.Lock()
	changed := alive != s.serving
	s.serving = alive
	if alive {
		s.lastSeen = time.Now()
	}
	s.mu.Unlock()

	if !changed {
		return alive
	}

	if alive {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	s.log.Info("health status changed", "serving", alive)
	return alive
}

// LastSeen 返回最近一次觀察到排程器存活的時間
func (s *Server) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Serve 在 lis 上提供服務直到 ctx 結束
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh()
			}
		}
	}()

	s.log.Info("grpc health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
