// Package imaging приводит фотографии, присланные клиентом, к единому виду перед отправкой на проверку.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"golang.org/x/image/draw"
)

// MaxDimension ограничивает ширину и высоту изображения, передаваемого сервису проверки.
const MaxDimension = 768

// MaxEncodedSize ограничивает размер входных данных (base64).
const MaxEncodedSize = 8 << 20

const jpegQuality = 85

var allowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// ErrEmptyPhoto возвращается, если фото не передано.
var ErrEmptyPhoto = errors.New("empty photo")

// Photo содержит нормализованное изображение.
type Photo struct {
	Data []byte
	MIME string
}

// Base64 возвращает содержимое фото в base64 без префикса data URL.
func (p *Photo) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

// Normalize принимает фото в виде data URL (data:image/jpeg;base64,...) или чистого base64,
// проверяет формат по содержимому, уменьшает до MaxDimension и перекодирует в JPEG.
func Normalize(encoded string) (*Photo, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrEmptyPhoto
	}
	if len(encoded) > MaxEncodedSize {
		return nil, fmt.Errorf("photo too large: %d bytes", len(encoded))
	}

	if strings.HasPrefix(encoded, "data:") {
		idx := strings.Index(encoded, ",")
		if idx < 0 {
			return nil, errors.New("malformed data url")
		}
		encoded = encoded[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}

	detected := http.DetectContentType(data)
	if !allowedMIME[detected] {
		return nil, fmt.Errorf("unsupported image format: %s", detected)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	img = fit(img, MaxDimension)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return &Photo{Data: buf.Bytes(), MIME: "image/jpeg"}, nil
}

// fit уменьшает изображение с сохранением пропорций. Маленькие изображения не увеличиваются.
func fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}

	newW, newH := maxDim, maxDim
	if w > h {
		newH = max(1, h*maxDim/w)
	} else {
		newW = max(1, w*maxDim/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
