package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hako/durafmt"

	"lagswitch/logging"
	"lagswitch/server"
)

// lagswitch 服务端入口：WebSocket 会话 + 管理接口，权威状态由 Hub 单线程推进
func main() {
	cfg := server.DefaultConfig()
	var (
		logFile string
		verbose bool
	)
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "server listen address, e.g. :4450")
	flag.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum simultaneous sessions")
	flag.DurationVar(&cfg.BroadcastPeriod, "broadcast", cfg.BroadcastPeriod, "state broadcast period")
	flag.DurationVar(&cfg.SamplePeriod, "sample", cfg.SamplePeriod, "packet-rate sampling period")
	flag.DurationVar(&cfg.ClientSendPeriod, "client-send", cfg.ClientSendPeriod, "expected client update period")
	flag.IntVar(&cfg.Detector.Threshold, "window", cfg.Detector.Threshold, "samples per anomaly window")
	flag.Float64Var(&cfg.Detector.LowRateFraction, "low-rate", cfg.Detector.LowRateFraction, "fraction of expected rate below which a sample is low")
	flag.Float64Var(&cfg.Detector.FlagFraction, "flag-fraction", cfg.Detector.FlagFraction, "fraction of low samples that flags a window")
	flag.Float64Var(&cfg.SimulateDropProb, "drop", cfg.SimulateDropProb, "simulated inbound update loss probability")
	flag.IntVar(&cfg.World.Extent, "world", cfg.World.Extent, "world extent")
	flag.IntVar(&cfg.World.PlayerSize, "player-size", cfg.World.PlayerSize, "player footprint")
	flag.StringVar(&logFile, "log", "server.log", "log file path (rotated)")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	if err := logging.InitLogger(logging.Options{FilePath: logFile, Console: true, Debug: verbose}); err != nil {
		panic(err)
	}
	defer logging.SyncLogger()
	log := logging.Named("main")

	// 周期为 0 会让调度器在启动后崩溃，只在这里终止进程
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	hub := server.NewHub(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = hub.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.HandleFunc("/admin/config", hub.HandleAdminConfig)
	mux.HandleFunc("/admin/anomalies", hub.HandleAnomalies)
	mux.HandleFunc("/metrics", hub.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	started := time.Now()
	go func() {
		log.Infof("server created at %s, ready to connect", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）：先停止接入，再通知所有会话断开
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infof("shutting down after %s...", durafmt.Parse(time.Since(started)).LimitFirstN(2))

	sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer scancel()
	_ = srv.Shutdown(sctx)
	cancel()
	<-hubDone
	if err := hub.Shutdown(sctx); err != nil {
		log.Warnf("sessions not closed cleanly: %v", err)
	}
}
