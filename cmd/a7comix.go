package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/a7comix/a7comix/a7comix"
	"github.com/a7comix/a7comix/pager"
	"github.com/a7comix/a7comix/pkg/cache"
	"github.com/a7comix/a7comix/pkg/rlog"
	"github.com/a7comix/a7comix/prefetch"
	"github.com/a7comix/a7comix/render"
	"github.com/a7comix/a7comix/source"
	"github.com/a7comix/a7comix/web"
)

const diskCacheCleanupInterval = time.Hour

type App struct {
	cfg a7comix.Config

	diskCache        *cache.DiskCache
	diskCacheCleaner Cleaner

	server *web.Server
}

type Cleaner interface {
	Shutdown(context.Context) error
}

func NewApp(cfg a7comix.Config) *App {
	return &App{
		cfg: cfg,
	}
}

func (app *App) Prepare() (err error) {
	if err := os.MkdirAll(app.cfg.Dir, 0700); err != nil {
		return fmt.Errorf("couldn't create app data dir %q: %w", app.cfg.Dir, err)
	}

	// Disk Cache
	if app.cfg.DiskCache {
		dir := filepath.Join(app.cfg.Dir, "pages")
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("couldn't create disk cache dir %q: %w", dir, err)
		}

		app.diskCache, err = cache.NewDiskCache(dir, ".png")
		if err != nil {
			return fmt.Errorf("couldn't prepare disk cache for pages: %w", err)
		}
		app.diskCacheCleaner = cache.NewCleaner(
			app.diskCache.Dir(), diskCacheCleanupInterval, app.cfg.DiskCacheMaxAge, app.cfg.DiskCacheSize.Bytes(),
		)

	} else {
		rlog.Debug("disk cache is disabled")

		app.diskCacheCleaner = cache.NewNoopCleaner()
	}

	// Web Server
	app.server = web.NewServer(app.cfg, app.newSession)

	return nil
}

// newSession creates a viewer with its own document source, page cache and render workers.
func (app *App) newSession() (*pager.Controller, func(context.Context) error) {
	docSource := source.New(float64(app.cfg.RenderDPI))

	var src a7comix.DocumentSource = docSource
	if app.diskCache != nil {
		src = source.NewDiskCached(docSource, app.diskCache)
	}

	pageCache := cache.NewMemoryCache(app.cfg.CacheSize.Bytes())
	scheduler := render.NewScheduler(src, pageCache, app.cfg.RenderWorkers, app.cfg.RenderTimeout)
	prefetcher := prefetch.New(scheduler, pageCache, app.cfg.PrefetchWindow)
	ctrl := pager.NewController(src, pageCache, scheduler, prefetcher, app.cfg.DefaultZoom)

	shutdown := func(ctx context.Context) error {
		// The controller goes first: it cancels all renders of the open document.
		ctrlErr := ctrl.Shutdown(ctx)
		schedulerErr := scheduler.Shutdown(ctx)
		return errors.Join(ctrlErr, schedulerErr)
	}
	return ctrl, shutdown
}

func (app *App) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		for name, s := range map[string]interface{ Start() error }{
			"web server": app.server,
		} {
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := s.Start(); err != nil {
					rlog.Errorf("%s error: %s", name, err)
					onError()
				}
			}()
		}
		wg.Wait()

		close(done)
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
func (app *App) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"web server", app.server},
		{"disk cache cleaner", app.diskCacheCleaner},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			failed++
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}
