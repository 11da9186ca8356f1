// PodGallery client
//
// Features:
// - Gallery role: mirrors the pods known to the relay, fetches pictures on demand
// - Pod role: shares a local directory or an S3 prefix as a gallery
// - Adaptive thumbnails under the relay's message ceiling
// - Automatic reconnect with backoff
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/podgallery/podgallery/internal/config"
	"github.com/podgallery/podgallery/internal/gallery"
	"github.com/podgallery/podgallery/internal/logging"
	"github.com/podgallery/podgallery/internal/metrics"
	"github.com/podgallery/podgallery/internal/pod"
	"github.com/podgallery/podgallery/internal/session"
	"github.com/podgallery/podgallery/internal/storage"
	"github.com/podgallery/podgallery/internal/storage/local"
	s3source "github.com/podgallery/podgallery/internal/storage/s3"
	"github.com/podgallery/podgallery/internal/thumbnail"
	"github.com/podgallery/podgallery/internal/transport"
	"github.com/podgallery/podgallery/pkg/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("PodGallery starting...",
		logging.String("relay", cfg.RelayURL),
		logging.String("role", cfg.Role),
		logging.String("metrics", cfg.MetricsAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := session.NewLoop()
	sess := &session.Context{Poster: loop}

	var galleryHandler, podHandler session.Handler
	if cfg.ViewsGalleries() {
		galleryHandler = newGallery(cfg, sess)
	}

	var (
		p        *pod.Pod
		pipeline *thumbnail.Pipeline
		src      storage.Source
	)
	if cfg.SharesFiles() {
		src, err = openShareSource(ctx, cfg.Pod)
		if err != nil {
			logging.Fatal("share source init failed", logging.Err(err))
		}
		pipeline = thumbnail.NewPipeline(thumbnail.Options{
			MaxBlobLength: cfg.Thumbnail.MaxBlobLength,
			InitialWidth:  cfg.Thumbnail.InitialWidth,
			MinWidth:      cfg.Thumbnail.MinWidth,
			Quality:       cfg.Thumbnail.Quality,
		}, cfg.Thumbnail.Workers)

		opts := pod.Options{
			Name:            cfg.Pod.Name,
			Thumbnailer:     pipeline,
			PendingTTL:      cfg.Pod.PendingRequestTTL,
			RegisterTimeout: cfg.Pod.RegisterTimeout,
		}
		if cfg.Pod.ProposedID != 0 {
			id := protocol.PodID(cfg.Pod.ProposedID)
			opts.ProposedID = &id
		}
		p = pod.New(sess, opts)
		defer p.Close()
		podHandler = p
		logging.Info("pod initialized",
			logging.String("title", p.Title()),
			logging.String("source", src.Type()))
	}

	dispatcher := session.NewDispatcher(loop, galleryHandler, podHandler)
	conn := transport.New(transport.Config{
		URL:          cfg.RelayURL,
		ReconnectMin: cfg.Connection.ReconnectMin,
		ReconnectMax: cfg.Connection.ReconnectMax,
		PingInterval: cfg.Connection.PingInterval,
		SendRate:     cfg.Connection.SendRate,
		SendBurst:    cfg.Connection.SendBurst,
		SendQueue:    cfg.Connection.SendQueue,
	}, dispatcher)
	sess.Sender = conn

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return conn.Run(ctx) })

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logging.Info("metrics server listening", logging.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if p != nil {
		pipeline.Start(ctx)
		defer pipeline.Stop()

		g.Go(func() error {
			if err := p.ShareSource(ctx, src); err != nil && ctx.Err() == nil {
				logging.Error("initial share failed", logging.Err(err))
			}
			return nil
		})
		if dir, ok := src.(*local.Source); ok && cfg.Pod.Watch {
			watcher := pod.NewWatcher(p, dir, 0)
			g.Go(func() error { return watcher.Run(ctx) })
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("client stopped", logging.Err(err))
		return
	}
	logging.Info("PodGallery stopped")
}

func newGallery(cfg *config.Config, sess *session.Context) *gallery.Gallery {
	var view gallery.View = gallery.LogView{}
	if cfg.Gallery.ExportDir != "" {
		export, err := gallery.NewExportView(cfg.Gallery.ExportDir)
		if err != nil {
			logging.Fatal("export view init failed", logging.Err(err))
		}
		view = export
		logging.Info("exporting pictures", logging.String("dir", cfg.Gallery.ExportDir))
	}

	opts := gallery.Options{
		View:              view,
		RerequestInterval: cfg.Gallery.RerequestInterval,
	}
	if cfg.Gallery.Select != nil {
		id := protocol.PodID(*cfg.Gallery.Select)
		opts.AutoSelect = &id
	}
	if cfg.Gallery.Probe != nil {
		id := protocol.PodID(*cfg.Gallery.Probe)
		opts.ProbeOnConnect = &id
	}
	return gallery.New(sess, opts)
}

// openShareSource builds the configured share source.
func openShareSource(ctx context.Context, cfg config.PodConfig) (storage.Source, error) {
	if cfg.S3.Bucket != "" {
		return s3source.New(ctx, s3source.Config{
			Endpoint:     cfg.S3.Endpoint,
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			Region:       cfg.S3.Region,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	}
	return local.New(local.Config{RootPath: cfg.ShareDir})
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}
