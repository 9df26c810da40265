// Package artifact persists reference frames: the PNG on disk and the matching
// record in the store.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"refframe/internal/fsutil"
	"refframe/internal/mosaic"
	"refframe/internal/storage"
	"refframe/internal/trace"
)

// Store is the record store Save and Existing work against.
type Store interface {
	SaveReference(rec storage.ReferenceRecord) error
	LoadReference(outputPath string) (*storage.ReferenceRecord, error)
	DeleteReference(outputPath string) error
}

// DefaultPath derives the reference frame path for a trace: the trace stem
// with a _ref suffix, in outDir or next to the trace when outDir is empty.
func DefaultPath(tracePath, outDir string) string {
	dir := outDir
	if dir == "" {
		dir = filepath.Dir(tracePath)
	}
	return filepath.Join(dir, trace.Stem(tracePath)+"_ref.png")
}

// SiblingPath swaps the extension of the reference path, e.g. for the
// stabilized video or the diagnostics plot.
func SiblingPath(refPath, suffix string) string {
	return strings.TrimSuffix(refPath, filepath.Ext(refPath)) + suffix
}

// Existing reports whether a reference frame is already present at
// outputPath. The stored record is returned when there is one; otherwise the
// record is rebuilt from the PNG on disk, without the float mosaic. A record
// whose file is gone is dropped.
func Existing(store Store, outputPath string) (*storage.ReferenceRecord, bool, error) {
	if _, err := os.Stat(outputPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, &mosaic.IOError{Op: "stat artifact", Path: outputPath, Err: err}
		}
		if store == nil {
			return nil, false, nil
		}
		return nil, false, store.DeleteReference(outputPath)
	}
	if store != nil {
		rec, err := store.LoadReference(outputPath)
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, err
		}
	}
	rec, err := recordFromFile(outputPath)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func recordFromFile(path string) (*storage.ReferenceRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &mosaic.IOError{Op: "read artifact", Path: path, Err: err}
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &mosaic.IOError{Op: "decode artifact", Path: path, Err: err}
	}
	return &storage.ReferenceRecord{
		OutputPath: path,
		Width:      cfg.Width,
		Height:     cfg.Height,
		PNG:        data,
	}, nil
}

// EncodePNG returns the PNG bytes of img.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile writes data to path through a temporary sibling and a rename, so
// a failed write never leaves a truncated file behind.
func WriteFile(path string, data []byte) error {
	f, err := fsutil.TempSibling(path)
	if err != nil {
		return &mosaic.IOError{Op: "create artifact", Path: path, Err: err}
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &mosaic.IOError{Op: "write artifact", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &mosaic.IOError{Op: "write artifact", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &mosaic.IOError{Op: "rename artifact", Path: path, Err: err}
	}
	return nil
}

// Save writes the reference PNG and stores its record. If the record cannot
// be stored the file is removed again.
func Save(store Store, runID, outputPath string, res *mosaic.Result) (*storage.ReferenceRecord, error) {
	if res == nil || res.Image == nil {
		return nil, errors.New("artifact: empty result")
	}
	data, err := EncodePNG(res.Image)
	if err != nil {
		return nil, &mosaic.IOError{Op: "encode png", Path: outputPath, Err: err}
	}
	optsJSON, err := json.Marshal(res.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	statsJSON, err := json.Marshal(res.Stats)
	if err != nil {
		return nil, fmt.Errorf("encode stats: %w", err)
	}

	if err := WriteFile(outputPath, data); err != nil {
		return nil, err
	}
	rec := storage.ReferenceRecord{
		OutputPath:  outputPath,
		RunID:       runID,
		Width:       res.Image.Rect.Dx(),
		Height:      res.Image.Rect.Dy(),
		PNG:         data,
		Float:       res.Float.Pix,
		OptionsJSON: string(optsJSON),
		StatsJSON:   string(statsJSON),
	}
	if store != nil {
		if err := store.SaveReference(rec); err != nil {
			os.Remove(outputPath)
			return nil, fmt.Errorf("store reference %s: %w", outputPath, err)
		}
	}
	res.ArtifactPath = outputPath
	return &rec, nil
}

// Discard removes whatever a failed or canceled run left at the given paths.
// Missing files are ignored.
func Discard(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecodeRecord rebuilds the image and float mosaic held by a stored record.
func DecodeRecord(rec *storage.ReferenceRecord) (*image.Gray, mosaic.Plane, error) {
	img, err := png.Decode(bytes.NewReader(rec.PNG))
	if err != nil {
		return nil, mosaic.Plane{}, fmt.Errorf("decode stored png: %w", err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, mosaic.Plane{}, fmt.Errorf("stored png is %T, want grayscale", img)
	}
	plane := mosaic.Plane{Width: rec.Width, Height: rec.Height, Pix: rec.Float}
	if len(rec.Float) != 0 && len(rec.Float) != rec.Width*rec.Height {
		return nil, mosaic.Plane{}, fmt.Errorf("stored mosaic has %d values for %dx%d", len(rec.Float), rec.Width, rec.Height)
	}
	return gray, plane, nil
}
