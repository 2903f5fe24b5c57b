package gallery

import (
	"bytes"
	"fmt"
	"image"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	errordefs "github.com/AndreuSerraCandela/Incidencias/internal/errors"
)

// Prepared is a photo normalised for the gallery: upright, bounded in size, JPEG.
type Prepared struct {
	Data    []byte
	Width   int
	Height  int
	TakenAt time.Time // EXIF capture time, zero when absent
	Name    string    // Display name chosen by the user, empty for a generated one
}

// Prepare decodes raw image bytes, applies the EXIF orientation, fits the image
// within maxDim and re-encodes it as JPEG. Bytes that are not an image are a
// validation error.
func Prepare(raw []byte, maxDim, quality int) (Prepared, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return Prepared{}, errordefs.Wrap(errordefs.FIELD_VALIDATION, "el archivo no es una imagen válida", err)
	}
	p, err := PrepareImage(img, maxDim, quality)
	if err != nil {
		return Prepared{}, err
	}
	p.TakenAt = takenAt(raw)
	return p, nil
}

// PrepareImage fits an already decoded image within maxDim and encodes it as JPEG.
func PrepareImage(img image.Image, maxDim, quality int) (Prepared, error) {
	b := img.Bounds()
	if maxDim > 0 && (b.Dx() > maxDim || b.Dy() > maxDim) {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return Prepared{}, fmt.Errorf("encode photo: %w", err)
	}
	b = img.Bounds()
	return Prepared{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}

func takenAt(raw []byte) time.Time {
	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil {
		return time.Time{}
	}
	tm, err := x.DateTime()
	if err != nil {
		return time.Time{}
	}
	return tm
}

// ImportedName turns a user-supplied file name into a photo display name, or
// returns "" when there is nothing usable.
func ImportedName(filename string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." || base == "/" || base == ".." {
		return ""
	}
	return base + ".jpg"
}

// DisplayName builds the file name of a photo from its capture time and id.
func DisplayName(takenAt time.Time, id string) string {
	suffix := id
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("foto_%s_%s.jpg", takenAt.Format("20060102_150405"), suffix)
}
