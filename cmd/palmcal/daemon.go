package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"palmcal/internal/conduit"
	"palmcal/internal/config"
	"palmcal/internal/devicelink"
	"palmcal/internal/hotsync"
	appLog "palmcal/internal/log"
	"palmcal/internal/metrics"
	"palmcal/internal/web"
)

// settleDelay is how long the device image must stay quiet before a
// watch-triggered sync starts.
const settleDelay = 2 * time.Second

var daemonListen string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync on a schedule and when the device image changes",
	Long: `Run in the foreground and sync:
  1. once at startup
  2. on the configured cron schedule
  3. when the device image is replaced (watch: true)
  4. on POST /api/sync

The status server exposes /health, /metrics and /api/status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		if daemonListen != "" {
			conf.Listen = daemonListen
		}
		return runDaemon(cmd.Context(), conf)
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonListen, "listen", "", "HTTP listen address (overrides config if set)")
}

// imageState remembers the digest of the device image as last written or
// seen, so the watcher ignores the image rewrites a sync makes itself.
type imageState struct {
	mu     sync.Mutex
	dir    string
	digest string
}

func (s *imageState) refresh() string {
	d, err := devicelink.Digest(s.dir)
	if err != nil {
		appLog.Warn("device image digest", "error", err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digest = d
	return d
}

// changed reports whether the image differs from the last known digest.
func (s *imageState) changed() bool {
	d, err := devicelink.Digest(s.dir)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return d != s.digest
}

func runDaemon(ctx context.Context, conf *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	image := &imageState{dir: conf.Device.Path}
	rec := metrics.New()
	runner := hotsync.NewRunner(func(ctx context.Context) (conduit.Summary, error) {
		defer image.refresh()
		return syncOnce(ctx, conf)
	}, rec.Observe)

	trigger := func(name string) {
		if _, err := runner.Run(ctx, name); err != nil && !errors.Is(err, hotsync.ErrBusy) {
			appLog.Error("triggered sync failed", err, "trigger", name)
		}
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(conf.Schedule, func() { trigger("schedule") }); err != nil {
		return fmt.Errorf("schedule %q: %w", conf.Schedule, err)
	}

	var wg sync.WaitGroup
	if conf.Watch {
		watcher, err := newImageWatcher(conf.Device.Path)
		if err != nil {
			return err
		}
		defer watcher.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchImage(ctx, watcher, image, func() { trigger("watch") })
		}()
	}

	srv := web.NewServer(conf, runner, rec.Handler())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			appLog.Error("HTTP server failed", err, "listen", conf.Listen)
			cancel()
		}
	}()

	trigger("startup")
	scheduler.Start()
	appLog.Info("daemon running", "schedule", conf.Schedule, "watch", conf.Watch, "listen", conf.Listen)

	<-ctx.Done()

	// Wait for a scheduled sync in flight before returning.
	<-scheduler.Stop().Done()
	wg.Wait()
	appLog.Info("palmcal exiting")
	return nil
}

func newImageWatcher(dir string) (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("device dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// The image is replaced by rename, so the directory is watched rather
	// than the file.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	appLog.Info("watching device image", "dir", dir)
	return watcher, nil
}

// watchImage calls fire once the image has changed and then stayed quiet
// for settleDelay.
func watchImage(ctx context.Context, watcher *fsnotify.Watcher, image *imageState, fire func()) {
	timer := time.NewTimer(settleDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != devicelink.ImageFile {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			appLog.Debug("device image event", "op", event.Op.String(), "path", event.Name)
			timer.Reset(settleDelay)

		case <-timer.C:
			if image.changed() {
				fire()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			appLog.Warn("watcher error", "error", err.Error())
		}
	}
}
