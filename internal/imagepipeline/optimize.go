package imagepipeline

import (
	"bytes"
	"image"
	"image/color"
	stddraw "image/draw"
	"image/jpeg"
	"image/png"

	"github.com/Laisky/errors/v2"
	"github.com/chai2010/webp"
	"golang.org/x/image/draw"
	xwebp "golang.org/x/image/webp"
)

// DecodeError marks an Optimize failure as originating in the decode
// step specifically, so callers can distinguish it from a downstream
// encode failure and choose to render a placeholder instead of passing
// the undecodable bytes through unchanged.
type DecodeError struct{ cause error }

func (e *DecodeError) Error() string { return "decode image: " + e.cause.Error() }
func (e *DecodeError) Unwrap() error { return e.cause }

// Optimize runs the decode/strip-metadata/downscale/flatten/re-encode
// pipeline: converging to a target byte budget
// by binary-searching encode quality when TargetSizeKB is set.
func Optimize(raw []byte, contentType string, cfg Config) ([]byte, string, error) {
	img, err := decode(raw, contentType)
	if err != nil {
		return nil, "", &DecodeError{cause: err}
	}

	// Strip metadata: rebuilding the pixel buffer from scratch drops any
	// EXIF/ICC data the original decoder attached to the image value.
	img = stripMetadata(img)

	img = resizeToFit(img, cfg.MaxWidth, cfg.MaxHeight)

	targetFormat := chooseTargetFormat(contentType, cfg.TargetFormat)

	if targetFormat == "jpeg" {
		img = flattenAlpha(img)
	}

	if cfg.TargetSizeKB > 0 {
		data, err := compressToTargetSize(img, targetFormat, cfg)
		if err != nil {
			return nil, "", err
		}
		return data, contentTypeFor(targetFormat), nil
	}

	data, err := encode(img, targetFormat, initialQuality(targetFormat, cfg))
	if err != nil {
		return nil, "", err
	}
	return data, contentTypeFor(targetFormat), nil
}

func decode(raw []byte, contentType string) (image.Image, error) {
	switch contentType {
	case "image/jpeg":
		return jpeg.Decode(bytes.NewReader(raw))
	case "image/webp":
		return xwebp.Decode(bytes.NewReader(raw))
	default:
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err == nil {
			return img, nil
		}
		// Fall back to explicit decoders by content sniffing order; the
		// stdlib registry only carries png/jpeg/gif by default.
		if img, derr := png.Decode(bytes.NewReader(raw)); derr == nil {
			return img, nil
		}
		if img, derr := jpeg.Decode(bytes.NewReader(raw)); derr == nil {
			return img, nil
		}
		if img, derr := xwebp.Decode(bytes.NewReader(raw)); derr == nil {
			return img, nil
		}
		return nil, err
	}
}

func stripMetadata(img image.Image) image.Image {
	b := img.Bounds()
	clean := image.NewRGBA(b)
	stddraw.Draw(clean, b, img, b.Min, stddraw.Src)
	return clean
}

func resizeToFit(img image.Image, maxW, maxH int) image.Image {
	if maxW <= 0 || maxH <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return img
	}

	scale := float64(maxW) / float64(w)
	if hs := float64(maxH) / float64(h); hs < scale {
		scale = hs
	}
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func flattenAlpha(img image.Image) image.Image {
	b := img.Bounds()
	flat := image.NewRGBA(b)
	stddraw.Draw(flat, b, image.NewUniform(color.White), image.Point{}, stddraw.Src)
	stddraw.Draw(flat, b, img, b.Min, stddraw.Over)
	return flat
}

func chooseTargetFormat(sourceContentType, target string) string {
	if target != "" {
		return target
	}
	switch sourceContentType {
	case "image/jpeg":
		return "jpeg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

func initialQuality(format string, cfg Config) int {
	switch format {
	case "jpeg":
		if cfg.JPEGQuality > 0 {
			return cfg.JPEGQuality
		}
		return 85
	case "webp":
		if cfg.WebPQuality > 0 {
			return cfg.WebPQuality
		}
		return 85
	default:
		return 95
	}
}

func encode(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, errors.Wrap(err, "encode jpeg")
		}
	case "webp":
		if err := webp.Encode(&buf, img, &webp.Options{Lossless: false, Quality: float32(quality)}); err != nil {
			return nil, errors.Wrap(err, "encode webp")
		}
	default:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, errors.Wrap(err, "encode png")
		}
	}
	return buf.Bytes(), nil
}

// compressToTargetSize binary-searches encode quality within
// [cfg.MinQuality, initial quality] to converge on a byte budget,
// capped at 10 iterations; falls back to the lowest-quality attempt if
// the budget is unreachable. PNG is lossless and skips the search.
func compressToTargetSize(img image.Image, format string, cfg Config) ([]byte, error) {
	if format == "png" {
		return encode(img, format, 0)
	}

	targetBytes := cfg.TargetSizeKB * 1024
	minQ := cfg.MinQuality
	if minQ <= 0 {
		minQ = 10
	}
	maxQ := initialQuality(format, cfg)
	if maxQ < minQ {
		maxQ = minQ
	}

	var best []byte
	lo, hi := minQ, maxQ
	for i := 0; i < 10 && lo <= hi; i++ {
		mid := (lo + hi) / 2
		data, err := encode(img, format, mid)
		if err != nil {
			return nil, err
		}
		if len(data) <= targetBytes {
			best = data
		}
		if len(data) <= targetBytes {
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	if best == nil {
		return encode(img, format, minQ)
	}
	return best, nil
}

func contentTypeFor(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
