package tsio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zsiec/reframe/internal/filter"
	"github.com/zsiec/reframe/internal/session"
)

// ChunkWriter is a session sink writing each output pid's payload to
// elementary-stream files, starting a new file whenever a packet carries a
// FileNumber boundary property.
type ChunkWriter struct {
	log    *slog.Logger
	outDir string

	files map[*session.OutputPid]*chunkFile
}

type chunkFile struct {
	f       *os.File
	fileNum int
}

// NewChunkWriter creates a writer placing files under outDir.
func NewChunkWriter(outDir string, log *slog.Logger) (*ChunkWriter, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	return &ChunkWriter{
		log:    log.With("component", "chunk-writer"),
		outDir: outDir,
		files:  make(map[*session.OutputPid]*chunkFile),
	}, nil
}

// Packet implements session.Sink.
func (w *ChunkWriter) Packet(pid *session.OutputPid, pck *session.Packet) {
	defer pck.Unref()

	cf := w.files[pid]
	if num, ok := pck.Property(filter.PropFileNumber).(int); ok {
		if cf != nil {
			cf.f.Close()
			cf = nil
		}
		name := fmt.Sprintf("%s_%03d", pid.Name(), num)
		if suffix, ok := pck.Property(filter.PropFileSuffix).(string); ok && suffix != "" {
			name = fmt.Sprintf("%s_%s", pid.Name(), suffix)
		}
		path := filepath.Join(w.outDir, name+".es")
		f, err := os.Create(path)
		if err != nil {
			w.log.Error("creating chunk file", "path", path, "error", err)
			return
		}
		w.log.Info("chunk start", "pid", pid.Name(), "file", path, "number", num)
		cf = &chunkFile{f: f, fileNum: num}
		w.files[pid] = cf
	}
	if cf == nil {
		// no boundary seen yet: single continuous output file
		path := filepath.Join(w.outDir, pid.Name()+".es")
		f, err := os.Create(path)
		if err != nil {
			w.log.Error("creating output file", "path", path, "error", err)
			return
		}
		cf = &chunkFile{f: f}
		w.files[pid] = cf
	}
	if _, err := cf.f.Write(pck.Data()); err != nil {
		w.log.Error("writing chunk data", "error", err)
	}
}

// EOS implements session.Sink.
func (w *ChunkWriter) EOS(pid *session.OutputPid) {
	if cf, ok := w.files[pid]; ok && cf != nil {
		cf.f.Close()
		delete(w.files, pid)
	}
	w.log.Info("stream complete", "pid", pid.Name())
}

// Close closes any files still open.
func (w *ChunkWriter) Close() {
	for pid, cf := range w.files {
		cf.f.Close()
		delete(w.files, pid)
	}
}
