package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/a7comix/a7comix/pkg/misc"
	"github.com/a7comix/a7comix/pkg/rlog"
	"github.com/robfig/cron/v3"
)

type NoopCleaner struct{}

func NewNoopCleaner() *NoopCleaner                 { return &NoopCleaner{} }
func (NoopCleaner) Shutdown(context.Context) error { return nil }

// Cleaner removes old files and controls the total size of a [DiskCache] directory.
// The first cleanup starts immediately, the next ones run on schedule.
type Cleaner struct {
	dir              string
	maxFileAge       time.Duration
	maxTotalFileSize int64 // in bytes

	cron           *cron.Cron
	job            cron.Job
	firstCleanupWG sync.WaitGroup
}

type fileInfo struct {
	path    string
	modTime time.Time
	size    int64
}

func NewCleaner(dir string, cleanupInterval, maxFileAge time.Duration, maxTotalFileSize int64) *Cleaner {
	c := &Cleaner{
		dir:              dir,
		maxFileAge:       maxFileAge,
		maxTotalFileSize: maxTotalFileSize,
	}

	logger := rlog.CronLogger{}
	c.cron = cron.New(cron.WithLogger(logger))
	c.job = cron.NewChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger), // don't start a new cleanup if the previous one is still running
	).Then(cron.FuncJob(func() {
		c.cleanup(time.Now())
	}))
	c.cron.Schedule(cron.Every(cleanupInterval), c.job)

	c.firstCleanupWG.Add(1)
	go func() {
		defer c.firstCleanupWG.Done()
		c.job.Run()
	}()
	c.cron.Start()

	return c
}

func (c *Cleaner) cleanup(now time.Time) {
	rlog.Debugf("start cleanup of %q", c.dir)

	allFiles, err := c.loadAllFiles()
	if err != nil {
		logf := rlog.Errorf
		if errors.Is(err, fs.ErrNotExist) {
			logf = rlog.Warnf
		}
		logf("couldn't load files to clean: %s", err)
		return
	}

	filesToRemove := c.getFilesToRemove(allFiles, now)
	if len(filesToRemove) == 0 {
		rlog.Debug("no files to remove from cache")
		return
	}

	removedFiles, cleanedSpace, errs := c.removeFiles(filesToRemove)
	for _, err := range errs {
		rlog.Error(err)
	}
	if removedFiles > 0 {
		rlog.Infof(
			"%d rendered pages have been removed from disk cache for a total of %s freed, got %d errors",
			removedFiles, misc.FormatFileSize(cleanedSpace), len(errs),
		)
	}

	if err := c.removeEmptyDirs(); err != nil {
		rlog.Warnf("couldn't remove empty cache dirs: %s", err)
	}
}

func (c *Cleaner) loadAllFiles() (files []fileInfo, err error) {
	err = filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Removed during the walk.
				return nil
			}
			return err
		}
		files = append(files, fileInfo{
			path:    path,
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Cleaner) getFilesToRemove(files []fileInfo, now time.Time) []fileInfo {
	minModTime := now.Add(-c.maxFileAge)

	var (
		oldFiles             []fileInfo
		activeFiles          []fileInfo
		activeFilesTotalSize int64
	)
	for _, file := range files {
		if file.modTime.Before(minModTime) {
			oldFiles = append(oldFiles, file)
		} else {
			activeFiles = append(activeFiles, file)
			activeFilesTotalSize += file.size
		}
	}
	if activeFilesTotalSize < c.maxTotalFileSize {
		return oldFiles
	}

	// Remove the oldest files first.
	slices.SortFunc(activeFiles, func(a, b fileInfo) int {
		return a.modTime.Compare(b.modTime)
	})

	index := len(activeFiles)
	for i, file := range activeFiles {
		activeFilesTotalSize -= file.size
		if activeFilesTotalSize < c.maxTotalFileSize {
			index = i + 1
			break
		}
	}
	return append(oldFiles, activeFiles[:index]...)
}

func (c *Cleaner) removeFiles(files []fileInfo) (removedFiles int, cleanedSpace int64, errs []error) {
	for _, file := range files {
		err := os.Remove(file.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("couldn't remove file %q from cache: %w", file.path, err))
			continue
		}
		removedFiles++
		cleanedSpace += file.size
	}
	return removedFiles, cleanedSpace, errs
}

// removeEmptyDirs removes empty document dirs ('<dir>/<id[:2]>/<id>') and their parents.
func (c *Cleaner) removeEmptyDirs() error {
	var dirs []string
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != c.dir {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Children go after parents, so remove in reverse order.
	for _, dir := range slices.Backward(dirs) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Shutdown stops the schedule and waits for the running cleanup.
func (c *Cleaner) Shutdown(ctx context.Context) error {
	stopCtx := c.cron.Stop()

	done := make(chan struct{})
	go func() {
		c.firstCleanupWG.Wait()
		<-stopCtx.Done()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
