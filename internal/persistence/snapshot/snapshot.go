package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/movement"
	"netplay.ai/internal/sim/tuning"
)

const (
	Version = 1
	Ext     = ".ckpt.zst"
)

type Header struct {
	Version int    `json:"version"`
	ArenaID string `json:"arena_id"`
	Tick    uint64 `json:"tick"`
}

// CheckpointV1 is everything needed to resume an arena at Header.Tick and
// replay its tick journal from there.
type CheckpointV1 struct {
	Header Header `json:"header"`

	// Tuning is the effective configuration the arena ran with.
	Tuning tuning.Tuning `json:"tuning"`

	// Entities are listed in spawn order, which is also their broadcast order.
	Entities []EntityV1 `json:"entities"`
}

type EntityV1 struct {
	ID                  string     `json:"id"`
	OwnerClientID       string     `json:"owner_client_id,omitempty"`
	ServerAuthoritative bool       `json:"server_authoritative"`
	Spawn               [3]float64 `json:"spawn"`

	Movement movement.Checkpoint[kinematic.State, kinematic.Command] `json:"movement"`
}

// PathFor names the checkpoint for tick inside dir.
func PathFor(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d%s", tick, Ext))
}

func WriteCheckpoint(path string, cp CheckpointV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := writeTo(f, cp); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeTo(f *os.File, cp CheckpointV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(cp.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&cp); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadCheckpoint(path string) (CheckpointV1, error) {
	var cp CheckpointV1
	f, err := os.Open(path)
	if err != nil {
		return cp, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return cp, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is for humans and tools; gob carries it too.
	if _, err := br.ReadBytes('\n'); err != nil {
		return cp, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&cp); err != nil {
		return cp, fmt.Errorf("gob decode: %w", err)
	}
	if cp.Header.Version != Version {
		return cp, fmt.Errorf("checkpoint version %d not supported", cp.Header.Version)
	}
	return cp, nil
}

// ReadHeader decodes only the leading header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	err = json.Unmarshal(line, &h)
	return h, err
}

// Latest returns the checkpoint with the highest tick in dir, or "" if none.
func Latest(dir string) string {
	files := List(dir)
	if len(files) == 0 {
		return ""
	}
	return files[len(files)-1].Path
}

type File struct {
	Tick uint64
	Path string
}

// List returns the checkpoints in dir ordered by tick. Names that are not
// <tick>.ckpt.zst are ignored.
func List(dir string) []File {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []File
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, Ext) {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, Ext), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, File{Tick: tick, Path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tick < out[j].Tick })
	return out
}
