package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"netplay.ai/internal/persistence/snapshot"
)

type MilestoneMeta struct {
	ArenaID     string `json:"arena_id"`
	Tick        uint64 `json:"tick"`
	Checkpoint  string `json:"checkpoint"`
	Entities    int    `json:"entities"`
	FixedStepMs int    `json:"fixed_step_ms"`
	CreatedAt   string `json:"created_at"`
}

// ArchiveMilestone copies a checkpoint whose tick is a multiple of every into
// `arenaDir/archives/tick_<NNNNNNNNNNNN>/`. Archived checkpoints are never
// pruned. It returns (archivedPath, archived=true) when the checkpoint is a
// milestone.
func ArchiveMilestone(arenaDir, ckptPath string, cp snapshot.CheckpointV1, every uint64) (archivedPath string, archived bool, err error) {
	tick := cp.Header.Tick
	if every == 0 || tick == 0 || tick%every != 0 {
		return "", false, nil
	}

	archiveDir := filepath.Join(arenaDir, "archives", fmt.Sprintf("tick_%012d", tick))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(ckptPath))
	if err := copyFile(ckptPath, dst); err != nil {
		return "", false, err
	}

	meta := MilestoneMeta{
		ArenaID:     cp.Header.ArenaID,
		Tick:        tick,
		Checkpoint:  filepath.Base(dst),
		Entities:    len(cp.Entities),
		FixedStepMs: cp.Tuning.FixedStepMs,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return dst, true, nil
}

// Prune deletes all but the newest keep checkpoints in dir and returns the
// removed paths. keep <= 0 disables pruning.
func Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	files := snapshot.List(dir)
	if len(files) <= keep {
		return nil, nil
	}
	var removed []string
	for _, f := range files[:len(files)-keep] {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed = append(removed, f.Path)
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
