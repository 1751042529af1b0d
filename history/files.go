package history

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const maxNameLen = 120

// UniqueFilename prefixes a sanitized copy of the uploaded name with a random
// token, e.g. "3f2b...c1_scan.png".
func UniqueFilename(original string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + sanitizeFilename(original)
}

// sanitizeFilename strips directory components and characters that are not
// safe in a path segment. A stem that filters to nothing becomes "upload",
// keeping the extension.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	out := strings.TrimLeft(keepSafe(name), ".")
	if stem != "" && strings.TrimLeft(keepSafe(stem), ".") == "" {
		out = "upload" + keepSafe(ext)
	}
	if out == "" || out == "upload." {
		out = "upload"
	}
	if len(out) > maxNameLen {
		ext := filepath.Ext(out)
		if len(ext) > 10 {
			ext = ""
		}
		out = out[:maxNameLen-len(ext)] + ext
	}
	return out
}

func keepSafe(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// storageFormat picks the encoder from the file extension. Names without a
// supported extension are stored as PNG and get ".png" appended.
func storageFormat(name string) (string, imaging.Format) {
	f, err := imaging.FormatFromFilename(name)
	if err != nil {
		return name + ".png", imaging.PNG
	}
	return name, f
}

// flattenRGB drops the alpha channel, keeping the stored color values.
func flattenRGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// writeImage encodes img to path, refusing to overwrite an existing file.
// A partially written file is removed.
func writeImage(path string, img image.Image, format imaging.Format) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		cerr := f.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()
	if err := imaging.Encode(f, img, format, imaging.JPEGQuality(95)); err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	return nil
}

func validImageName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// insideDir reports whether path sits directly in dir, where a clear would
// sweep it away.
func insideDir(path, dir string) bool {
	p, err1 := filepath.Abs(path)
	d, err2 := filepath.Abs(dir)
	if err1 != nil || err2 != nil {
		return false
	}
	return filepath.Dir(p) == d
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
