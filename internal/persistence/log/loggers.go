package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"netplay.ai/internal/sim/arena"
)

// JSONLZstdWriter appends JSON lines to zstd-compressed segment files. Each
// segment covers segmentTicks ticks and is named after its first tick.
// Reopening an existing segment appends a new zstd frame.
type JSONLZstdWriter struct {
	baseDir      string
	prefix       string
	segmentTicks uint64

	mu     sync.Mutex
	curSeg uint64
	open   bool
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string, segmentTicks int) *JSONLZstdWriter {
	if segmentTicks <= 0 {
		segmentTicks = 3000
	}
	return &JSONLZstdWriter{
		baseDir:      baseDir,
		prefix:       prefix,
		segmentTicks: uint64(segmentTicks),
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends v as one line of the segment containing tick.
func (w *JSONLZstdWriter) Write(tick uint64, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg := tick - tick%w.segmentTicks
	if !w.open || seg != w.curSeg {
		if err := w.rotateLocked(seg); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(seg uint64) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(SegmentPath(w.baseDir, w.prefix, seg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curSeg = seg
	w.open = true
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.open = false
	return err1
}

// SegmentPath names the segment starting at tick.
func SegmentPath(dir, prefix string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%012d.jsonl.zst", prefix, tick))
}

// TickLogger writes one JSONL entry per tick (compressed).
type TickLogger struct{ w *JSONLZstdWriter }

func NewTickLogger(arenaDir string, segmentTicks int) *TickLogger {
	return &TickLogger{w: NewJSONLZstdWriter(filepath.Join(arenaDir, "ticks"), "ticks", segmentTicks)}
}

func (l *TickLogger) WriteTick(e arena.TickLogEntry) error { return l.w.Write(e.Tick, e) }
func (l *TickLogger) Close() error                         { return l.w.Close() }

// CorrectionLogger writes client-side reconciliation corrections (compressed).
type CorrectionLogger struct{ w *JSONLZstdWriter }

func NewCorrectionLogger(arenaDir string, segmentTicks int) *CorrectionLogger {
	return &CorrectionLogger{w: NewJSONLZstdWriter(filepath.Join(arenaDir, "corrections"), "corrections", segmentTicks)}
}

func (l *CorrectionLogger) WriteCorrection(r arena.CorrectionRecord) error { return l.w.Write(r.Tick, r) }
func (l *CorrectionLogger) Close() error                                   { return l.w.Close() }
