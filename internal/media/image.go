package media

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/disintegration/imaging"
)

// errNotImage marks payloads the sanitizer leaves untouched.
var errNotImage = errors.New("media: not a sanitizable image")

// maxImageDim bounds re-encoded image dimensions. Anything larger is
// downscaled before caching.
const maxImageDim = 4096

const jpegQuality = 85

// sanitizeImage re-encodes JPEG and PNG payloads: EXIF orientation is
// applied, all other metadata is dropped by the decode/encode cycle, and
// oversized images are fit into maxImageDim. GIFs and WebP pass through
// untouched since re-encoding would lose animation or the format itself.
func sanitizeImage(data []byte, mime string) ([]byte, string, error) {
	var format imaging.Format
	switch mime {
	case "image/jpeg":
		format = imaging.JPEG
	case "image/png":
		format = imaging.PNG
	default:
		return nil, "", errNotImage
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("media: decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageDim || bounds.Dy() > maxImageDim {
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, "", fmt.Errorf("media: encode image: %w", err)
	}
	return buf.Bytes(), mime, nil
}
