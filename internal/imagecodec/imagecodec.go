// Package imagecodec turns transport-encoded image payloads into RGB pixel
// buffers and back into JPEG bytes.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage is returned for any payload that cannot be turned into an
// image: bad base64, an unknown container or corrupt image bytes.
var ErrInvalidImage = errors.New("invalid image data")

// Decode accepts raw base64 or a data URL ("data:image/png;base64,....") and
// returns the image normalised to opaque RGB.
func Decode(payload string) (*image.RGBA, error) {
	raw, err := DecodeBase64(payload)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(raw)
}

// DecodeBase64 strips an optional data URL prefix and decodes the field
// that follows it, up to any further comma. Characters outside the base64
// alphabet are discarded before decoding.
func DecodeBase64(payload string) ([]byte, error) {
	if _, after, found := strings.Cut(payload, ","); found {
		payload, _, _ = strings.Cut(after, ",")
	}
	payload = strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '+', r == '/', r == '=':
			return r
		}
		return -1
	}, payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		var rawErr error
		if data, rawErr = base64.RawStdEncoding.DecodeString(payload); rawErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}
	return data, nil
}

// DecodeBytes parses any registered container format.
func DecodeBytes(data []byte) (*image.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return ToRGB(img), nil
}

// ToRGB copies img into an RGBA buffer anchored at (0,0) with every pixel
// opaque. Colour channels are taken un-premultiplied, so transparency is
// dropped rather than blended.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := dst.PixOffset(x-b.Min.X, y-b.Min.Y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}

// EncodeJPEG serialises img as baseline JPEG.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
