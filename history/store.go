/*
Package history persists past predictions: a SQLite table of metadata plus a
directory of the uploaded images the rows refer to.

An append writes the image first and the row second. There is no transaction
spanning the filesystem and the database, so a failed insert can leave an
orphaned image behind; it is logged and counted, never rolled back.
*/
package history

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/krau/tumorlens/metrics"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	_ "modernc.org/sqlite"
)

var (
	ErrPersistence = errors.New("history storage failure")
	ErrNotFound    = errors.New("history image not found")
)

const timeLayout = "2006-01-02 15:04:05.000000"

type Options struct {
	DBPath       string
	ImageDir     string
	ModelVersion string
}

type Store struct {
	db           *sql.DB
	dir          string
	modelVersion string
	now          func() time.Time
}

// Open creates the image directory and the database if needed and applies
// pending migrations. SQLite serializes writers; the busy timeout makes
// concurrent appends wait for the lock instead of failing.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if insideDir(opts.DBPath, opts.ImageDir) {
		return nil, fmt.Errorf("%w: database %s must not live in the image directory %s", ErrPersistence, opts.DBPath, opts.ImageDir)
	}
	if err := os.MkdirAll(opts.ImageDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create image dir: %w", ErrPersistence, err)
	}
	if dir := filepath.Dir(opts.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create db dir: %w", ErrPersistence, err)
		}
	}

	dsn := "file:" + opts.DBPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrPersistence, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", ErrPersistence, err)
	}

	s := &Store{
		db:           db,
		dir:          opts.ImageDir,
		modelVersion: opts.ModelVersion,
		now:          time.Now,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Dir() string {
	return s.dir
}

// Append stores the uploaded image, flattened to opaque RGB, under a fresh
// unique name and then inserts the matching row.
func (s *Store) Append(ctx context.Context, data []byte, originalFilename, prediction string, confidence float64) (Record, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Record{}, fmt.Errorf("%w: decode image: %w", ErrPersistence, err)
	}

	name, format := storageFormat(UniqueFilename(originalFilename))
	path := filepath.Join(s.dir, name)
	if err := writeImage(path, flattenRGB(img), format); err != nil {
		return Record{}, fmt.Errorf("%w: write image: %w", ErrPersistence, err)
	}

	rec := Record{
		ImageFilename: name,
		Prediction:    prediction,
		Confidence:    confidence,
		Timestamp:     s.now().UTC(),
		ModelVersion:  s.modelVersion,
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (image_filename, prediction, confidence, timestamp, model_version)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ImageFilename, rec.Prediction, rec.Confidence, rec.Timestamp.Format(timeLayout), rec.ModelVersion)
	if err != nil {
		metrics.OrphanedImages.Inc()
		slog.Warn("Image stored without history row", slog.String("file", name), slog.String("error", err.Error()))
		return Record{}, fmt.Errorf("%w: insert row: %w", ErrPersistence, err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return Record{}, fmt.Errorf("%w: read row id: %w", ErrPersistence, err)
	}
	return rec, nil
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, image_filename, prediction, confidence, timestamp, model_version
		FROM predictions
		ORDER BY timestamp DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: query predictions: %w", ErrPersistence, err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &rec.ImageFilename, &rec.Prediction, &rec.Confidence, &ts, &rec.ModelVersion); err != nil {
			return nil, fmt.Errorf("%w: scan prediction: %w", ErrPersistence, err)
		}
		if rec.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("%w: parse timestamp %q: %w", ErrPersistence, ts, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return records, nil
}

// Clear deletes every row and then every regular file in the image
// directory, including files no row refers to. Files that disappear during
// the sweep are ignored.
func (s *Store) Clear(ctx context.Context) (ClearResult, error) {
	var result ClearResult
	res, err := s.db.ExecContext(ctx, "DELETE FROM predictions")
	if err != nil {
		return result, fmt.Errorf("%w: delete rows: %w", ErrPersistence, err)
	}
	result.Rows, _ = res.RowsAffected()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("%w: list image dir: %w", ErrPersistence, err)
	}

	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := removeIfExists(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Files++
	}
	if len(errs) > 0 {
		return result, fmt.Errorf("%w: remove images: %w", ErrPersistence, errors.Join(errs...))
	}
	return result, nil
}

// ImagePath resolves a stored image name to its path on disk.
func (s *Store) ImagePath(name string) (string, error) {
	if !validImageName(name) {
		return "", ErrNotFound
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}
