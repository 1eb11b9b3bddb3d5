package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"voicedesk/agent/internal/api"
	"voicedesk/agent/internal/config"
	"voicedesk/agent/internal/exchange"
	"voicedesk/agent/internal/health"
	"voicedesk/agent/internal/hostws"
	"voicedesk/agent/internal/loop"
	"voicedesk/agent/internal/store"
	"voicedesk/agent/internal/turn"
)

const healthInterval = 15 * time.Second

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New()
	reg := hostws.NewRegistry()

	backend := exchange.NewClient(exchange.Options{
		BaseURL:        cfg.Exchange.BaseURL,
		TranscribePath: cfg.Exchange.TranscribePath,
		ChatPath:       cfg.Exchange.ChatPath,
		ConfirmPath:    cfg.Exchange.ConfirmPath,
		HealthPath:     cfg.Exchange.HealthPath,
		APIToken:       cfg.Exchange.APIToken,
		Timeout:        cfg.Timeout(),
	})
	var stt exchange.Transcriber = backend
	if cfg.STT.Provider == "openai" {
		stt = exchange.NewWhisperTranscriber(cfg.STT.OpenAIAPIKey, "", cfg.STT.Model, cfg.STT.Language, cfg.Timeout())
	}

	disp := loop.New(ctx, reg, st, loop.Services{Transcriber: stt, Exchange: backend}, loop.Settings{
		Turn: turn.Options{
			Threshold:       cfg.VAD.Threshold,
			Silence:         time.Duration(cfg.VAD.SilenceMs) * time.Millisecond,
			FrameInterval:   time.Duration(cfg.VAD.FrameMs) * time.Millisecond,
			ResumeDelay:     time.Duration(cfg.Turn.ResumeDelayMs) * time.Millisecond,
			MinPayloadBytes: cfg.Turn.MinPayloadBytes,
		},
		SampleRate:  cfg.Capture.SampleRate,
		Window:      cfg.Capture.Window,
		Debug:       cfg.Debug(),
		MaxSessions: cfg.Server.MaxSessions,
	})

	h := api.NewHandlers(cfg, st, disp, backend)
	mux := http.NewServeMux()
	mux.Handle("/", api.NewRouter(h))
	mux.Handle("/metrics", promhttp.Handler())
	// WS host route
	wss := hostws.NewServer(cfg, st, reg)
	wss.OnMessage = disp.OnMessage
	wss.OnAudio = disp.OnAudio
	wss.OnDisconnect = disp.OnDisconnect
	mux.HandleFunc("/ws/session", wss.HandleSessionWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// gRPC health service with keepalive for fast death detection
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 2 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		l, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			return err
		}
		log.Printf("grpc health listening on :%s", cfg.Server.GRPCPort)
		return gs.Serve(l)
	})
	g.Go(func() error {
		refreshHealth(gctx, cfg, backend, hs)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received; stopping server...")
		// End every conversation before draining HTTP
		disp.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		hs.Shutdown()
		gs.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Println("server error:", err)
		os.Exit(1)
	}
}

// refreshHealth mirrors the dependency checks into the gRPC health service.
func refreshHealth(ctx context.Context, cfg config.Config, backend health.Pinger, hs *grpchealth.Server) {
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		st := health.CheckAll(cctx, cfg, backend)
		cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if !st.OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			log.Printf("[health] %s", st)
		}
		hs.SetServingStatus("", status)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
