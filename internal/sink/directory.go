package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/harvester/internal/oaipmh"
)

// Directory writes records into XML files under a directory, starting a
// new file every perFile records. Each file is a well-formed ListRecords
// document.
type Directory struct {
	dir     string
	perFile int
	now     func() time.Time
	logger  zerolog.Logger

	mu    sync.Mutex
	files []string
	total int
}

// NewDirectory creates the sink. perFile <= 0 means DefaultRecordsPerFile.
func NewDirectory(dir string, perFile int, logger zerolog.Logger) *Directory {
	if perFile <= 0 {
		perFile = DefaultRecordsPerFile
	}
	return &Directory{dir: dir, perFile: perFile, now: time.Now, logger: logger}
}

func (d *Directory) Emit(ctx context.Context, records []oaipmh.Record) error {
	if len(records) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, batch := range chunks(records, d.perFile) {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := d.now()
		path := filepath.Join(d.dir, fileName(now))
		if err := os.WriteFile(path, []byte(Document(batch, now)), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		d.files = append(d.files, path)
		d.total += len(batch)
		d.logger.Debug().Str("file", path).Int("records", len(batch)).Msg("sink: file written")
	}
	return nil
}

// Files returns the paths written so far.
func (d *Directory) Files() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.files...)
}

// Total returns the number of records written so far.
func (d *Directory) Total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

func fileName(at time.Time) string {
	return fmt.Sprintf("oaiharvest_%s_%s.xml", at.Format("2006-01-02"), uuid.NewString())
}
