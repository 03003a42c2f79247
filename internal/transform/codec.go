package transform

import (
	"bytes"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"

	"github.com/pixelcache/pixelcache/pkg/errors"
)

const (
	webpMethod = 4
	avifSpeed  = 6
)

// decode reads any registered format (JPEG, PNG, GIF, BMP, TIFF, WebP,
// AVIF) and applies the EXIF orientation
func decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDecodeFailed, "decode source image", err).
			WithComponent("transform").WithOperation("decode")
	}
	return img, nil
}

// resize crops to fill when both sides are given and keeps the aspect
// ratio when only one is
func resize(img image.Image, width, height *int) image.Image {
	switch {
	case width != nil && height != nil:
		return imaging.Fill(img, *width, *height, imaging.Center, imaging.Lanczos)
	case width != nil:
		return imaging.Resize(img, *width, 0, imaging.Lanczos)
	case height != nil:
		return imaging.Resize(img, 0, *height, imaging.Lanczos)
	default:
		return img
	}
}

func encode(img image.Image, format Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch format {
	case FormatAVIF:
		err = avif.Encode(&buf, img, avif.Options{Quality: quality, QualityAlpha: quality, Speed: avifSpeed})
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case FormatPNG:
		// PNG is lossless; quality has no effect
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	default:
		err = webp.Encode(&buf, img, webp.Options{Quality: quality, Method: webpMethod})
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeEncodeFailed, "encode "+format.String(), err).
			WithComponent("transform").WithOperation("encode")
	}
	return buf.Bytes(), nil
}
