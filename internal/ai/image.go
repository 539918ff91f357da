package ai

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxImageSide is the longest side, in pixels, of images sent to a model.
const MaxImageSide = 800

// ErrInvalidImage is returned when the payload of a data URI cannot be decoded.
var ErrInvalidImage = errors.New("photo is not a decodable image")

// ErrInvalidDataURI is returned for photos that are not base64 image data URIs.
var ErrInvalidDataURI = errors.New("photo must be a data URI of the form data:image/<type>;base64,<data>")

// ParseDataURI decodes a "data:<mime>;base64,<data>" image URI.
func ParseDataURI(uri string) (Image, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "data:")
	if !ok {
		return Image{}, ErrInvalidDataURI
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Image{}, ErrInvalidDataURI
	}
	mime, ok := strings.CutSuffix(meta, ";base64")
	if !ok || !strings.HasPrefix(mime, "image/") {
		return Image{}, ErrInvalidDataURI
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}
	if len(data) == 0 {
		return Image{}, ErrInvalidDataURI
	}
	return Image{MIMEType: mime, Data: data}, nil
}

// DataURI encodes an image back into a data URI.
func (img Image) DataURI() string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// PrepareImage parses a data URI and shrinks the image to MaxImageSide as JPEG.
func PrepareImage(uri string) (Image, error) {
	img, err := ParseDataURI(uri)
	if err != nil {
		return Image{}, err
	}
	resized, err := ResizeImage(img.Data, MaxImageSide)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return Image{MIMEType: "image/jpeg", Data: resized}, nil
}

// CheckImage parses a data URI and reads the image header without decoding
// the pixels.
func CheckImage(uri string) error {
	img, err := ParseDataURI(uri)
	if err != nil {
		return err
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(img.Data)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return nil
}

// ResizeImage resizes an image to fit within maxSize (width or height) while keeping aspect ratio.
func ResizeImage(data []byte, maxSize int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if width <= maxSize && height <= maxSize {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, fmt.Errorf("failed to encode image: %w", err)
		}
		return buf.Bytes(), nil
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = int(float64(height) * float64(maxSize) / float64(width))
	} else {
		newHeight = maxSize
		newWidth = int(float64(width) * float64(maxSize) / float64(height))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode resized image: %w", err)
	}
	return buf.Bytes(), nil
}
