package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/events"
	"hybridcast/internal/core/ports"
	"hybridcast/internal/core/services"
	httphandlers "hybridcast/internal/handlers/http"
	"hybridcast/internal/infrastructure/cdn"
	"hybridcast/internal/infrastructure/mesh"
	"hybridcast/internal/infrastructure/monitoring"
	"hybridcast/internal/infrastructure/pipeline"
	"hybridcast/internal/infrastructure/preload"
	"hybridcast/internal/infrastructure/repositories/memory"
	"hybridcast/internal/infrastructure/settings"
	"hybridcast/internal/infrastructure/signal"
	"hybridcast/internal/infrastructure/storage"
	"hybridcast/pkg/config"
	"hybridcast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	var (
		manifestURL = flag.String("url", "", "HLS manifest URL to play")
		contentID   = flag.String("content", "", "content identifier for the mesh and cache (defaults to a random id)")
		configPath  = flag.String("config", "", "explicit config file path")
	)
	flag.Parse()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}
	if *configPath != "" {
		configPaths = []string{*configPath}
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *manifestURL == "" {
		log.Fatal("missing required -url flag")
	}
	if *contentID == "" {
		*contentID = uuid.NewString()
	}

	ctx := context.Background()

	store, err := storage.OpenBadgerSegmentStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalw("failed to open segment store", "path", cfg.Storage.Path, "error", err)
	}
	metaRepo := memory.NewMemorySegmentMetaRepository()

	var settingsStore ports.SettingsStore = settings.NewMemoryStore()
	if cfg.Redis.Enabled {
		client, err := settings.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "address", cfg.Redis.Address, "error", err)
		}
		defer client.Close()
		settingsStore = settings.NewRedisStore(client)
	}

	p2pCfg, err := settings.LoadP2PConfig(ctx, settingsStore)
	if err != nil {
		log.Warnw("failed to load peer delivery policy, using defaults", "error", err)
	}

	fetcher := cdn.NewHTTPFetcher(cfg.Streaming.FetchTimeout)
	cacheManager := preload.NewManager(preload.Config{
		CeilingBytes:       cfg.Cache.CeilingBytes,
		PreloadSeconds:     float64(cfg.Cache.PreloadSeconds),
		PreloadMaxSegments: cfg.Cache.PreloadMaxSegments,
		NextAssetSegments:  cfg.Cache.NextAssetSegments,
		EvictionCandidates: cfg.Cache.EvictionCandidates,
		SegmentCostBytes:   cfg.Cache.SegmentCostBytes,
	}, store, metaRepo, fetcher, log)

	bus := events.NewBus()
	collector := monitoring.NewPrometheusCollector()

	bus.Subscribe(events.KindStatsUpdate, func(ev events.Event) {
		collector.RecordP2PStats(ev.(events.StatsUpdate).Stats)
	})
	bus.Subscribe(events.KindModeChange, func(ev events.Event) {
		change := ev.(events.ModeChange)
		log.Infow("delivery mode changed", "from", change.Previous, "to", change.Current)
	})
	bus.Subscribe(events.KindPeerDisconnected, func(ev events.Event) {
		gone := ev.(events.PeerDisconnected)
		log.Infow("peer disconnected", "peer_id", gone.PeerID, "reason", gone.Reason)
	})
	bus.Subscribe(events.KindChunkReceived, func(ev events.Event) {
		collector.RecordPeerDownload(ev.(events.ChunkReceived).Bytes)
	})
	bus.Subscribe(events.KindChunkSent, func(ev events.Event) {
		collector.RecordPeerUpload(ev.(events.ChunkSent).Bytes)
	})
	bus.Subscribe(events.KindPeerLatency, func(ev events.Event) {
		latency := ev.(events.PeerLatency).LatencyMs
		collector.RecordPeerLatency(time.Duration(latency * float64(time.Millisecond)))
	})

	// Peer delivery is optional; the engine degrades to pure CDN without it.
	var meshManager *mesh.Manager
	var signalClient *signal.Client
	if p2pCfg.Enabled {
		meshManager = mesh.NewManager(p2pCfg, cacheManager, bus, log)

		if len(p2pCfg.SignalingEndpoints) > 0 {
			peerID := domain.PeerID(uuid.NewString())
			signalClient = signal.NewClient(p2pCfg.SignalingEndpoints[0], peerID, signal.Handlers{
				OnPeerJoined: func(id domain.PeerID) {
					offer, err := meshManager.ConnectToPeer(ctx, id, nil)
					if err != nil {
						log.Warnw("failed to initiate peer connection", "peer_id", id, "error", err)
						return
					}
					if err := signalClient.SendOffer(id, offer.SDP); err != nil {
						log.Warnw("failed to send offer", "peer_id", id, "error", err)
					}
				},
				OnPeerLeft: func(id domain.PeerID) {
					log.Debugw("peer left the room", "peer_id", id)
				},
				OnOffer: func(from domain.PeerID, sdp string) {
					answer, err := meshManager.ConnectToPeer(ctx, from, &webrtc.SessionDescription{
						Type: webrtc.SDPTypeOffer,
						SDP:  sdp,
					})
					if err != nil {
						log.Warnw("failed to answer peer offer", "peer_id", from, "error", err)
						return
					}
					if err := signalClient.SendAnswer(from, answer.SDP); err != nil {
						log.Warnw("failed to send answer", "peer_id", from, "error", err)
					}
				},
				OnAnswer: func(from domain.PeerID, sdp string) {
					if err := meshManager.HandleAnswer(from, webrtc.SessionDescription{
						Type: webrtc.SDPTypeAnswer,
						SDP:  sdp,
					}); err != nil {
						log.Warnw("failed to apply answer", "peer_id", from, "error", err)
					}
				},
				OnCandidate: func(from domain.PeerID, candidate string) {
					if err := meshManager.AddICECandidate(from, webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
						log.Warnw("failed to add ICE candidate", "peer_id", from, "error", err)
					}
				},
			}, log)

			meshManager.SetCandidateHandler(func(peerID domain.PeerID, candidate string) {
				if err := signalClient.SendCandidate(peerID, candidate); err != nil {
					log.Warnw("failed to send ICE candidate", "peer_id", peerID, "error", err)
				}
			})
		}

		if err := meshManager.Start(ctx, *contentID); err != nil {
			log.Fatalw("failed to start mesh", "error", err)
		}
		if signalClient != nil {
			if err := signalClient.Connect(ctx, *contentID); err != nil {
				log.Warnw("signaling unavailable, continuing CDN-only", "error", err)
			}
		}
	}

	manager := services.NewStreamManager(services.StreamConfig{
		MaxRetryAttempts:   cfg.Streaming.MaxRetryAttempts,
		RetryDelay:         cfg.Streaming.RetryDelay,
		StatsInterval:      cfg.Streaming.StatsInterval,
		SafetyFactor:       cfg.Streaming.SafetyFactor,
		LowBufferThreshold: cfg.Streaming.LowBufferThreshold,
	}, fetcher, pipeline.Factory(), cacheManager, log)

	aborted := make(chan struct{}, 1)
	callbacks := services.StreamCallbacks{
		OnQualityChanged: func(level domain.QualityLevel) {
			log.Infow("quality changed", "label", level.Label, "bitrate", domain.FormatBitrate(level.Bitrate))
		},
		OnStatsUpdate: func(stats domain.StreamStats) {
			collector.RecordStreamStats(*contentID, stats)
		},
		OnError: func(fatal bool, details string) {
			if !fatal {
				collector.RecordRecoveredError()
			}
		},
		OnFatalError: func() {
			collector.RecordFatalError()
			select {
			case aborted <- struct{}{}:
			default:
			}
		},
		OnBuffering: func(buffering bool) {
			log.Infow("buffering state changed", "buffering", buffering)
		},
		OnSegmentLoaded: func(bytes int64, duration time.Duration) {
			collector.RecordCDNDownload(bytes, duration)
			if meshManager != nil {
				meshManager.RecordCDNBytes(bytes)
			}
		},
	}

	// Warm the opening window in the background while playback starts.
	go func() {
		if err := cacheManager.PreloadInitial(ctx, *manifestURL, *contentID, nil); err != nil {
			log.Warnw("initial preload failed", "error", err)
		}
		if info, err := cacheManager.CacheInfo(ctx); err == nil {
			collector.RecordCacheInfo(info)
		}
	}()

	if err := manager.Initialize(ctx, *manifestURL, callbacks); err != nil {
		log.Fatalw("failed to initialize stream", "url", *manifestURL, "error", err)
	}

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.Debug.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.Default()

		debugHandler := httphandlers.NewDebugHandler(manager, meshManager, cacheManager, settingsStore)
		debugHandler.SetupRoutes(router)

		router.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":    "healthy",
				"timestamp": time.Now(),
				"uptime":    time.Since(startTime).String(),
			})
		})
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))

		srv = &http.Server{
			Addr:    cfg.Debug.Address,
			Handler: router,
		}
		go func() {
			log.Infof("Starting debug server on %s", cfg.Debug.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Debug server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	case <-aborted:
		log.Error("Playback aborted after exhausting recovery attempts")
	}

	log.Info("Shutting down...")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during server shutdown", "error", err)
		}
		shutdownCancel()
	}

	manager.Destroy()
	if signalClient != nil {
		_ = signalClient.Close()
	}
	if meshManager != nil {
		meshManager.Destroy()
	}
	cacheManager.Stop()
	if err := store.Close(); err != nil {
		log.Errorw("Error closing segment store", "error", err)
	}

	log.Info("Engine stopped")
}
