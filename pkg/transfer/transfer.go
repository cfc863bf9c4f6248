// Package transfer streams staged remote archives down to the local backup
// target, optionally compressing them on the fly, and records a metadata
// file next to each completed archive.
package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-volback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-volback/pkg/limiter"
	"github.com/paulschiretz/pgl-volback/pkg/metafile"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
	"github.com/paulschiretz/pgl-volback/pkg/pool"
	"github.com/paulschiretz/pgl-volback/pkg/remote"
	"github.com/paulschiretz/pgl-volback/pkg/runmetrics"
	"github.com/paulschiretz/pgl-volback/pkg/util"
	"github.com/paulschiretz/pgl-volback/pkg/volarchive"
)

// BackupDirPrefix prefixes every per-run backup directory under a volume's
// local directory. The retention phase selects prune candidates by it.
const BackupDirPrefix = "PGL_VolBack_"

// BackupDirName returns the directory name for a run started at the given time.
func BackupDirName(startTime time.Time) string {
	return BackupDirPrefix + startTime.UTC().Format("2006-01-02_15-04-05")
}

// Plan holds the immutable transfer settings for a run.
type Plan struct {
	TargetDir   string // local backup root
	Compression Format
	BufferSize  int64 // I/O buffer per transfer, pooled under the memory budget
	DryRun      bool
}

// Result describes a completed local archive.
type Result struct {
	Dir             string // per-run backup directory
	ArchivePath     string
	ArchiveBytes    int64 // compressed size on disk
	DownloadedBytes int64 // raw bytes pulled over SFTP
}

// Transferrer downloads staged archives into the local backup layout.
type Transferrer struct {
	downloader remote.Downloader
	buffers    *pool.FixedBufferPool
	budget     *limiter.Memory
	metrics    runmetrics.Metrics
}

// NewTransferrer creates a Transferrer. All transfers of a run share the
// buffer pool and the memory budget.
func NewTransferrer(downloader remote.Downloader, buffers *pool.FixedBufferPool, budget *limiter.Memory, metrics runmetrics.Metrics) *Transferrer {
	return &Transferrer{
		downloader: downloader,
		buffers:    buffers,
		budget:     budget,
		metrics:    metrics,
	}
}

// Download pulls a staged archive into
// <target>/<volume>/PGL_VolBack_<timestamp>/<volume>.tar[<ext>] and writes
// the metadata file on success. The archive is written to a .partial file
// first and renamed only after the compressor has flushed, so an interrupted
// transfer never leaves a plausible-looking archive behind.
func (t *Transferrer) Download(ctx context.Context, archive volarchive.Result, plan *Plan, startTime time.Time, host string) (Result, error) {
	dir := filepath.Join(plan.TargetDir, util.SanitizeName(archive.Volume), BackupDirName(startTime))
	fileName := util.SanitizeName(archive.Volume) + ".tar" + plan.Compression.Extension()
	finalPath := filepath.Join(dir, fileName)

	if plan.DryRun {
		plog.Info("[Dry-Run] Would download archive",
			"volume", archive.Volume,
			"remotePath", archive.RemotePath,
			"localPath", finalPath,
			"compression", string(plan.Compression))
		return Result{Dir: dir, ArchivePath: finalPath}, nil
	}

	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return Result{}, fmt.Errorf("could not create backup directory %s: %w", dir, err)
	}

	partialPath := finalPath + ".partial"
	file, err := os.OpenFile(partialPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.UserGroupWritableFilePerms)
	if err != nil {
		return Result{}, fmt.Errorf("could not create archive file %s: %w", partialPath, err)
	}
	// Removing the partial is a no-op on the success path, where it has
	// already been renamed away.
	defer os.Remove(partialPath)
	defer file.Close()

	counter := &countingWriter{w: t.newBufferedWriter(file)}
	compressor, err := newCompressor(plan.Compression, counter)
	if err != nil {
		return Result{}, err
	}

	plog.Info("Downloading archive",
		"volume", archive.Volume,
		"remotePath", archive.RemotePath,
		"localPath", finalPath)

	downloaded, err := t.downloader.Download(ctx, archive.RemotePath, compressor)
	t.metrics.AddBytesTransferred(downloaded)
	if err != nil {
		compressor.Close()
		return Result{}, fmt.Errorf("download of %s failed: %w", archive.RemotePath, err)
	}
	if err := compressor.Close(); err != nil {
		return Result{}, fmt.Errorf("could not finalize compressed archive %s: %w", partialPath, err)
	}
	if err := counter.flush(); err != nil {
		return Result{}, fmt.Errorf("could not flush archive %s: %w", partialPath, err)
	}
	if err := file.Close(); err != nil {
		return Result{}, fmt.Errorf("could not close archive %s: %w", partialPath, err)
	}
	if err := os.Rename(partialPath, finalPath); err != nil {
		return Result{}, fmt.Errorf("could not move archive into place %s: %w", finalPath, err)
	}

	content := &metafile.MetafileContent{
		Version:           buildinfo.Version,
		UUID:              metafile.NewUUID(),
		TimestampUTC:      startTime.UTC(),
		Volume:            archive.Volume,
		Host:              host,
		DonorContainer:    archive.Donor,
		ArchiveFile:       fileName,
		CompressionFormat: string(plan.Compression),
		SizeBytes:         counter.n,
	}
	if err := metafile.Write(dir, content); err != nil {
		return Result{}, err
	}

	plog.Info("Archive downloaded",
		"volume", archive.Volume,
		"size", util.FormatBytes(counter.n),
		"downloaded", util.FormatBytes(downloaded))

	return Result{
		Dir:             dir,
		ArchivePath:     finalPath,
		ArchiveBytes:    counter.n,
		DownloadedBytes: downloaded,
	}, nil
}

// newBufferedWriter inserts a pooled write buffer in front of w when the
// memory budget allows it. When the budget is exhausted the write path stays
// unbuffered instead of blocking the transfer.
func (t *Transferrer) newBufferedWriter(w flushWriter) flushWriter {
	if t.buffers == nil || t.budget == nil {
		return w
	}
	if !t.budget.TryAcquire(t.buffers.Size()) {
		plog.Debug("Memory budget exhausted, writing unbuffered", "bufferSize", t.buffers.Size())
		return w
	}
	return &pooledWriter{w: w, pool: t.buffers, budget: t.budget, buf: t.buffers.Get()}
}

// flushWriter is the write side of the local archive pipeline. *os.File
// satisfies it via Sync.
type flushWriter interface {
	Write(p []byte) (int, error)
	Sync() error
}

// pooledWriter batches small compressor writes into a pooled buffer before
// they hit the file. The buffer and its budget reservation are returned on
// Sync, which the pipeline calls exactly once at the end of a transfer.
type pooledWriter struct {
	w      flushWriter
	pool   *pool.FixedBufferPool
	budget *limiter.Memory
	buf    *[]byte
	used   int
}

func (p *pooledWriter) Write(data []byte) (int, error) {
	total := len(data)
	for len(data) > 0 {
		if p.used == len(*p.buf) {
			if err := p.flushBuffer(); err != nil {
				return total - len(data), err
			}
		}
		n := copy((*p.buf)[p.used:], data)
		p.used += n
		data = data[n:]
	}
	return total, nil
}

func (p *pooledWriter) flushBuffer() error {
	if p.used == 0 {
		return nil
	}
	_, err := p.w.Write((*p.buf)[:p.used])
	p.used = 0
	return err
}

func (p *pooledWriter) Sync() error {
	if err := p.flushBuffer(); err != nil {
		return err
	}
	if p.buf != nil {
		p.pool.Put(p.buf)
		p.budget.Release(p.pool.Size())
		p.buf = nil
	}
	return p.w.Sync()
}

// countingWriter tracks the compressed byte count that lands on disk.
type countingWriter struct {
	w flushWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) flush() error {
	return c.w.Sync()
}
