package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"AstroSeis/internal/domain/models"
	domrepo "AstroSeis/internal/domain/repository"
	"AstroSeis/pkg/util"
)

// FileCatalogSource reads a JSON array of raw records. Records outside the
// window are skipped; records whose time does not parse are kept so the
// normalizer can reject and count them.
type FileCatalogSource struct {
	path string
}

var _ domrepo.CatalogSource = (*FileCatalogSource)(nil)

func NewFileCatalogSource(path string) *FileCatalogSource {
	return &FileCatalogSource{path: path}
}

func (f *FileCatalogSource) LoadRaw(ctx context.Context, from, to time.Time) ([]models.RawEventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var all []models.RawEventRecord
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", f.path, err)
	}
	lo := util.CivilDate(from)
	hi := util.CivilDate(to).AddDate(0, 0, 1)
	out := all[:0]
	for _, r := range all {
		ts, ok := util.ParseTime(r.Time)
		if ok && (ts.Before(lo) || !ts.Before(hi)) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
