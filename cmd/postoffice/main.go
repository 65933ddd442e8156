// Command postoffice runs the pub/sub bus as either the cluster root or a
// worker. A process started plainly is the root: it binds the cluster
// socket, spawns PO_WORKERS copies of itself tagged as workers, and serves
// its own gateway. Workers dial the root's socket and serve a gateway on an
// index-offset port.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/postoffice/engine/kafkaengine"
	"github.com/adred-codev/postoffice/engine/natsengine"
	"github.com/adred-codev/postoffice/internal/cluster"
	"github.com/adred-codev/postoffice/internal/config"
	"github.com/adred-codev/postoffice/internal/gateway"
	"github.com/adred-codev/postoffice/internal/logging"
	"github.com/adred-codev/postoffice/internal/metrics"
	"github.com/adred-codev/postoffice/internal/postoffice"
	"github.com/adred-codev/postoffice/internal/ratelimit"
	"github.com/adred-codev/postoffice/internal/resource"
	"github.com/adred-codev/postoffice/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "postoffice: %v\n", err)
		os.Exit(1)
	}

	role, workerIndex, socket := cluster.Role()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With().Str("role", role).Int("worker_index", workerIndex).Logger()

	if role == cluster.RoleRoot {
		cfg.Print()
	}
	cfg.LogConfig(logger)

	if err := run(cfg, logger, role, workerIndex, socket); err != nil {
		logger.Fatal().Err(err).Msg("postoffice exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger, role string, workerIndex int, socket string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ConnectionsMax.Set(float64(cfg.MaxConnections))
	m.MemoryLimitBytes.Set(float64(cfg.MemoryLimit))

	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = runtime.GOMAXPROCS(0) * 2
	}
	pool := workerpool.New(poolSize, cfg.WorkerQueueSize, logger)
	pool.OnPanic(func(any) { m.ErrorsTotal.WithLabelValues("callback_panic").Inc() })
	pool.Start(ctx)

	po := postoffice.New(postoffice.Options{
		Submit: func(f func()) { pool.Submit(f) },
		OnEngineError: func(format string, args ...any) {
			logger.Debug().Msgf(format, args...)
		},
	})

	lc := cluster.NewLifecycle()
	lc.OnParentCrash(func() {
		logger.Error().Msg("root process is gone, worker going down")
	})

	limiter := ratelimit.New(ratelimit.Config{
		IPBurst:     cfg.ConnRateLimitIPBurst,
		IPRate:      cfg.ConnRateLimitIPRate,
		GlobalBurst: cfg.ConnRateLimitGlobalBurst,
		GlobalRate:  cfg.ConnRateLimitGlobalRate,
	}, logger)
	defer limiter.Stop()

	gw := gateway.New(gateway.Config{
		Addr:           gatewayAddr(cfg.GatewayAddr, role, workerIndex),
		MetricsHandler: metrics.Handler(reg),
	}, po, nil, limiter, m, logger)

	guard := resource.New(resource.Limits{
		MaxConnections:      cfg.MaxConnections,
		MaxGoroutines:       cfg.MaxGoroutines,
		CPURejectThreshold:  cfg.CPURejectThreshold,
		CPUPauseThreshold:   cfg.CPUPauseThreshold,
		MemoryLimit:         cfg.MemoryLimit,
		MaxEngineMsgsPerSec: cfg.MaxEngineMsgsPerSec,
		MaxBroadcastsPerSec: cfg.MaxBroadcastsPerSec,
	}, logger, gw.ConnectionCount())
	guard.OnReject(func(reason string) { m.CapacityRejections.WithLabelValues(reason).Inc() })
	guard.StartMonitoring(ctx, cfg.MetricsInterval)
	gw.UseGuard(guard)

	var (
		root *cluster.Root
		err  error
	)
	switch role {
	case cluster.RoleRoot:
		lc.RunPreListen()
		socket = rootSocketPath(cfg.SocketDir)
		root, err = cluster.Listen(socket, po, logger)
		if err != nil {
			return err
		}
		go root.Serve()
		lc.OnShutdown(root.Shutdown)

		if cfg.Workers > 0 {
			cmds, err := cluster.SpawnWorkers(cfg.Workers, socket)
			if err != nil {
				return err
			}
			logger.Info().Int("workers", len(cmds)).Str("socket", socket).Msg("workers spawned")
			for _, cmd := range cmds {
				cmd := cmd
				go func() {
					if err := cmd.Wait(); err != nil {
						logger.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("worker exited")
					}
				}()
			}
		}

	case cluster.RoleWorker:
		w, err := cluster.DialWorker(socket, po, logger)
		if err != nil {
			return err
		}
		w.Lifecycle = lc
		lc.OnShutdown(w.Close)
		logger.Info().Str("socket", socket).Msg("connected to cluster root")

	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if err := startEngines(ctx, cfg, po, guard, lc, logger); err != nil {
		return err
	}

	if err := gw.Start(); err != nil {
		return err
	}
	lc.RunPostStart()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("gateway shutdown incomplete")
	}
	lc.RunShutdown()
	cancel()
	pool.Stop()
	return nil
}

func startEngines(ctx context.Context, cfg *config.Config, po *postoffice.PostOffice, guard *resource.Guard, lc *cluster.Lifecycle, logger zerolog.Logger) error {
	if cfg.NATSEnabled {
		ne, err := natsengine.Connect(natsengine.Config{
			URL:             cfg.NATSURL,
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			ReconnectJitter: time.Second,
		}, logger)
		if err != nil {
			return fmt.Errorf("nats engine: %w", err)
		}
		po.AttachEngine(ctx, ne)
		lc.OnShutdown(ne.Close)
	}

	if cfg.KafkaEnabled {
		ke, err := kafkaengine.New(kafkaengine.Config{
			Brokers:       splitList(cfg.KafkaBrokers),
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Topics:        splitList(cfg.KafkaTopics),
		}, po, guard, logger)
		if err != nil {
			return fmt.Errorf("kafka engine: %w", err)
		}
		ke.Start()
		lc.OnShutdown(ke.Stop)
	}
	return nil
}

// gatewayAddr offsets the configured port by worker index + 1 so root and
// workers on one host never collide: root on :8080, worker 0 on :8081, and
// so on.
func gatewayAddr(addr, role string, workerIndex int) string {
	if role != cluster.RoleWorker {
		return addr
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port+workerIndex+1))
}

// rootSocketPath resolves the cluster socket location: an explicit
// PO_SOCKET_DIR wins, otherwise TMPDIR with a /tmp fallback.
func rootSocketPath(socketDir string) string {
	if socketDir == "" {
		return cluster.SocketPath(os.Getpid())
	}
	return filepath.Join(socketDir, fmt.Sprintf("postoffice-%o.sock", os.Getpid()))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
