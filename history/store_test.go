package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Options{
		DBPath:       filepath.Join(dir, "predictions.db"),
		ImageDir:     filepath.Join(dir, "history_images"),
		ModelVersion: "v1.0",
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := range 16 {
		for x := range 16 {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func regularFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestAppendWritesFileAndRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Append(ctx, pngBytes(t, color.Gray{Y: 128}), "scan.png", "Glioma", 0.87)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !strings.HasSuffix(rec.ImageFilename, "_scan.png") {
		t.Errorf("ImageFilename = %q, want suffix _scan.png", rec.ImageFilename)
	}
	if rec.ID == 0 {
		t.Error("expected a row id")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), rec.ImageFilename)); err != nil {
		t.Errorf("stored image missing: %v", err)
	}

	records, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.ImageFilename != rec.ImageFilename || got.Prediction != "Glioma" || got.Confidence != 0.87 {
		t.Errorf("List()[0] = %+v, want %+v", got, rec)
	}
	if got.ModelVersion != "v1.0" {
		t.Errorf("ModelVersion = %q, want v1.0", got.ModelVersion)
	}
}

func TestRoundTripPreservesPrecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	confidence := float64(float32(0.9876543))
	label := "Pituitary Tumor ünïcode"
	if _, err := s.Append(ctx, pngBytes(t, color.White), "a.png", label, confidence); err != nil {
		t.Fatal(err)
	}
	records, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if records[0].Confidence != confidence {
		t.Errorf("Confidence = %v, want exactly %v", records[0].Confidence, confidence)
	}
	if records[0].Prediction != label {
		t.Errorf("Prediction = %q, want %q", records[0].Prediction, label)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	for i := range 3 {
		if _, err := s.Append(ctx, pngBytes(t, color.Black), fmt.Sprintf("%d.png", i), "Glioma", 0.5); err != nil {
			t.Fatal(err)
		}
	}
	records, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if !records[i-1].Timestamp.After(records[i].Timestamp) {
			t.Errorf("records not newest first: %v then %v", records[i-1].Timestamp, records[i].Timestamp)
		}
	}
	if !strings.HasSuffix(records[0].ImageFilename, "_2.png") {
		t.Errorf("newest record = %q, want the last append", records[0].ImageFilename)
	}
	if !records[2].Timestamp.Equal(base.Add(time.Millisecond)) {
		t.Errorf("oldest timestamp = %v, want %v", records[2].Timestamp, base.Add(time.Millisecond))
	}
}

func TestListEmpty(t *testing.T) {
	s := newTestStore(t)
	records, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("List() = %#v, want empty non-nil slice", records)
	}
}

func TestClearRemovesRowsAndFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		if _, err := s.Append(ctx, pngBytes(t, color.White), fmt.Sprintf("img%d.png", i), "No Tumor", 0.9); err != nil {
			t.Fatal(err)
		}
	}
	// unreferenced files are swept too, subdirectories are left alone
	if err := os.WriteFile(filepath.Join(s.Dir(), "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(s.Dir(), "keep"), 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := s.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if res.Rows != 3 {
		t.Errorf("Rows = %d, want 3", res.Rows)
	}
	if res.Files != 4 {
		t.Errorf("Files = %d, want 4", res.Files)
	}

	records, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records after Clear, got %d", len(records))
	}
	if files := regularFiles(t, s.Dir()); len(files) != 0 {
		t.Errorf("expected empty image dir, got %v", files)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "keep")); err != nil {
		t.Errorf("subdirectory removed: %v", err)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear on empty store: %v", err)
	}
	if err := os.RemoveAll(s.Dir()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear with missing dir: %v", err)
	}
}

func TestConcurrentAppendsWithSameName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := pngBytes(t, color.Gray{Y: 200})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Append(ctx, data, "same.png", "Meningioma", 0.7); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Append failed: %v", err)
	}

	records, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != n {
		t.Fatalf("expected %d records, got %d", n, len(records))
	}
	seen := make(map[string]bool)
	for _, r := range records {
		if seen[r.ImageFilename] {
			t.Errorf("duplicate filename %q", r.ImageFilename)
		}
		seen[r.ImageFilename] = true
	}
	if files := regularFiles(t, s.Dir()); len(files) != n {
		t.Errorf("expected %d files, got %d", n, len(files))
	}
}

func TestAppendLeavesOrphanWhenInsertFails(t *testing.T) {
	s := newTestStore(t)
	s.db.Close()

	_, err := s.Append(context.Background(), pngBytes(t, color.White), "x.png", "Glioma", 0.6)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Append error = %v, want ErrPersistence", err)
	}
	if files := regularFiles(t, s.Dir()); len(files) != 1 {
		t.Errorf("expected the orphaned image to remain, got %v", files)
	}
}

func TestAppendRejectsUndecodableBytes(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(context.Background(), []byte("not an image"), "x.png", "Glioma", 0.6)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Append error = %v, want ErrPersistence", err)
	}
	if files := regularFiles(t, s.Dir()); len(files) != 0 {
		t.Errorf("expected no files, got %v", files)
	}
}

func TestAppendFlattensAlpha(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Append(context.Background(), pngBytes(t, color.NRGBA{R: 10, G: 20, B: 30, A: 40}), "alpha.png", "Glioma", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(filepath.Join(s.Dir(), rec.ImageFilename))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, a := img.At(0, 0).RGBA(); a != 0xffff {
		t.Errorf("alpha = %d, want opaque", a)
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
		t.Errorf("color = (%d,%d,%d), want (10,20,30)", r>>8, g>>8, b>>8)
	}
}

func TestAppendUnknownExtensionStoredAsPNG(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Append(context.Background(), pngBytes(t, color.White), "scan.webp", "Glioma", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(rec.ImageFilename, "_scan.webp.png") {
		t.Errorf("ImageFilename = %q, want .png appended", rec.ImageFilename)
	}
}

func TestAppendDecodesEveryUploadFormat(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range src.Pix {
		src.Pix[i] = 0x80
	}
	tests := []struct {
		name   string
		format imaging.Format
	}{
		{"scan.bmp", imaging.BMP},
		{"scan.tiff", imaging.TIFF},
		{"scan.gif", imaging.GIF},
		{"scan.jpg", imaging.JPEG},
	}
	s := newTestStore(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, src, tt.format); err != nil {
				t.Fatal(err)
			}
			rec, err := s.Append(context.Background(), buf.Bytes(), tt.name, "Glioma", 0.5)
			if err != nil {
				t.Fatalf("Append(%s) error = %v", tt.name, err)
			}
			if !strings.HasSuffix(rec.ImageFilename, "_"+tt.name) {
				t.Errorf("ImageFilename = %q, want suffix _%s", rec.ImageFilename, tt.name)
			}
		})
	}
}

func TestAppendNonASCIINameKeepsExtension(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Append(context.Background(), pngBytes(t, color.White), "脑部.png", "Glioma", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(rec.ImageFilename, "_upload.png") {
		t.Errorf("ImageFilename = %q, want <token>_upload.png", rec.ImageFilename)
	}
}

func TestImagePath(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Append(context.Background(), pngBytes(t, color.White), "ok.png", "Glioma", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.ImagePath(rec.ImageFilename)
	if err != nil {
		t.Fatalf("ImagePath(%q) error = %v", rec.ImageFilename, err)
	}
	if filepath.Base(path) != rec.ImageFilename {
		t.Errorf("ImagePath = %q", path)
	}

	for _, name := range []string{"", ".", "..", "../predictions.db", "a/b.png", `a\b.png`, "missing.png"} {
		if _, err := s.ImagePath(name); !errors.Is(err, ErrNotFound) {
			t.Errorf("ImagePath(%q) error = %v, want ErrNotFound", name, err)
		}
	}
}

func TestOpenRejectsDatabaseInsideImageDir(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(context.Background(), Options{
		DBPath:       filepath.Join(dir, "predictions.db"),
		ImageDir:     dir,
		ModelVersion: "v1.0",
	})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Open error = %v, want ErrPersistence", err)
	}
}

func TestOpenIsRepeatable(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		DBPath:       filepath.Join(dir, "db", "predictions.db"),
		ImageDir:     filepath.Join(dir, "images"),
		ModelVersion: "v1.0",
	}
	for range 2 {
		s, err := Open(context.Background(), opts)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		s.Close()
	}
}
