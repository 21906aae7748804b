package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/bytedance/sonic"
	"github.com/samber/lo"

	"github.com/chase3718/hichord-qa/internal/report"
)

// FileStore keeps one JSON file per run in a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func (s *FileStore) Save(_ context.Context, r report.FinalReport) error {
	if err := validate(r); err != nil {
		return err
	}
	if strings.ContainsAny(r.RunID, `/\`) {
		return fmt.Errorf("%w: run id %q", ErrInvalidData, r.RunID)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	tmp := s.path(r.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return os.Rename(tmp, s.path(r.RunID))
}

func (s *FileStore) Get(_ context.Context, runID string) (report.FinalReport, error) {
	data, err := os.ReadFile(s.path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return report.FinalReport{}, ErrNotFound
	}
	if err != nil {
		return report.FinalReport{}, fmt.Errorf("read report: %w", err)
	}
	var r report.FinalReport
	if err := json.Unmarshal(data, &r); err != nil {
		return report.FinalReport{}, fmt.Errorf("unmarshal report %s: %w", runID, err)
	}
	return r, nil
}

func (s *FileStore) List(ctx context.Context, limit int) ([]report.FinalReport, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	ids := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		name := e.Name()
		return strings.TrimSuffix(name, ".json"), !e.IsDir() && strings.HasSuffix(name, ".json")
	})

	out := make([]report.FinalReport, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }
