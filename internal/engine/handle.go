// Package engine is francodb's composition root: it wires the disk
// manager, buffer pool, log manager, checkpoint manager, and time-travel
// engine into one handle, owns the global engine lock, and drives
// crash recovery on startup and signal-safe shutdown.
package engine

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"francodb/internal/buffer"
	"francodb/internal/catalog"
	"francodb/internal/checkpoint"
	"francodb/internal/config"
	"francodb/internal/diskmgr"
	"francodb/internal/timetravel"
	"francodb/internal/walog"
)

// Handle is the explicit replacement for the source's g_server/g_bpm
// signal-handler globals (spec §9): every component a caller or a signal
// handler needs lives here, scoped and passed explicitly.
type Handle struct {
	// Lock is the single process-wide read/write lock of spec §5.
	// Ordinary statements acquire it shared; CHECKPOINT and RECOVER
	// acquire it exclusive.
	Lock sync.RWMutex

	cfg     config.EngineConfig
	dbName  string
	Disk    *diskmgr.Manager
	Pool    *buffer.Pool
	Log     *walog.Manager
	Ckpt    *checkpoint.Manager
	Travel  *timetravel.Engine
	Catalog catalog.Catalog

	shutdownOnce sync.Once
}

// Deps bundles the out-of-scope collaborators the composition root cannot
// construct itself: the row/tuple layer's live-read and bulk-load entry
// points.
type Deps struct {
	Catalog catalog.Catalog
	Live    timetravel.LiveSource
	Sink    timetravel.TableSink
}

// Open constructs a fully wired Handle for database dbName: disk manager,
// buffer pool, log manager, checkpoint manager, time-travel engine, then
// runs crash recovery and starts the checkpoint triggers.
func Open(cfg config.EngineConfig, dbName string, deps Deps) (*Handle, error) {
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, dbName), 0755); err != nil {
		return nil, fmt.Errorf("engine.Open: mkdir data dir: %w", err)
	}

	disk, err := diskmgr.Open(filepath.Join(cfg.DataDir, dbName, dbName))
	if err != nil {
		return nil, fmt.Errorf("engine.Open: disk manager: %w", err)
	}
	if key, err := cfg.EncryptionKey(); err != nil {
		disk.Close()
		return nil, fmt.Errorf("engine.Open: encryption key: %w", err)
	} else if key != nil {
		disk.SetEncryptionKey(key)
	}

	logMgr, err := walog.Open(cfg.DataDir, dbName)
	if err != nil {
		disk.Close()
		return nil, fmt.Errorf("engine.Open: log manager: %w", err)
	}

	pool, err := buffer.NewPool(disk, logMgr, cfg.BufferPoolFrames, cfg.BufferPartitions, cfg.ReplacerKind())
	if err != nil {
		logMgr.Close()
		disk.Close()
		return nil, fmt.Errorf("engine.Open: buffer pool: %w", err)
	}

	ckptMgr := checkpoint.New(cfg.DataDir, dbName, logMgr, pool, deps.Catalog)

	ttEngine := timetravel.New(logMgr, deps.Live)
	ttEngine.ReverseDeltaThresholdUs = cfg.ReverseDeltaThresholdMicros

	h := &Handle{
		cfg:     cfg,
		dbName:  dbName,
		Disk:    disk,
		Pool:    pool,
		Log:     logMgr,
		Ckpt:    ckptMgr,
		Travel:  ttEngine,
		Catalog: deps.Catalog,
	}

	if err := h.recoverOnStartup(deps.Sink); err != nil {
		h.closeAll()
		return nil, fmt.Errorf("engine.Open: recovery: %w", err)
	}

	if err := h.Bootstrap(); err != nil {
		h.closeAll()
		return nil, fmt.Errorf("engine.Open: bootstrap: %w", err)
	}

	if err := ckptMgr.StartBackground(cfg.CheckpointIntervalSeconds); err != nil {
		h.closeAll()
		return nil, fmt.Errorf("engine.Open: checkpoint scheduler: %w", err)
	}
	ckptMgr.StartOpThreshold(cfg.OperationThreshold)

	return h, nil
}

// closeAll shuts down every owned component, best-effort, ignoring
// individual errors — used on the Open failure path where nothing is
// usable yet.
func (h *Handle) closeAll() {
	if h.Ckpt != nil {
		h.Ckpt.Stop()
	}
	if h.Log != nil {
		h.Log.Close()
	}
	if h.Disk != nil {
		h.Disk.Close()
	}
}

// Shutdown flushes everything and closes every owned resource. Safe to
// call more than once; only the first call does anything.
func (h *Handle) Shutdown() error {
	var err error
	h.shutdownOnce.Do(func() {
		h.Lock.Lock()
		defer h.Lock.Unlock()

		h.Ckpt.Stop()
		if flushErr := h.Pool.FlushAll(); flushErr != nil && err == nil {
			err = flushErr
		}
		if closeErr := h.Log.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if closeErr := h.Disk.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// WithShared runs fn holding the engine lock shared, per spec §5's "ordinary
// statements acquire it shared" — the layer above (the executor layer, out
// of scope here) is expected to wrap every statement this way so it can run
// concurrently with other statements but never with a checkpoint or a
// recovery.
func (h *Handle) WithShared(fn func() error) error {
	h.Lock.RLock()
	defer h.Lock.RUnlock()
	return fn()
}

// CheckpointNow runs one fuzzy checkpoint, holding the engine lock
// exclusive per spec §5's "CHECKPOINT ... acquire it exclusive".
func (h *Handle) CheckpointNow() (diskmgr.LSN, error) {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.Ckpt.Checkpoint()
}

// RecoverTo runs the persistent RECOVER TO protocol, holding the engine
// lock exclusive per spec §5's "RECOVER ... acquire it exclusive".
func (h *Handle) RecoverTo(target uint64, override timetravel.Strategy, sink timetravel.TableSink) error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.Travel.RecoverTo(target, override, h.Catalog, sink, h.Pool, h.Log)
}

// InstallSignalHandler arranges for SIGINT/SIGTERM to call Shutdown
// before the process exits, replacing the source's bare os.Exit-in-a-
// signal-handler pattern with an explicit flush-then-exit path.
func (h *Handle) InstallSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("engine: received %v, shutting down", sig)
		if err := h.Shutdown(); err != nil {
			log.Printf("engine: shutdown error: %v", err)
		}
		os.Exit(0)
	}()
}
