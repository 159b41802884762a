package imagepipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	_ "image/gif" // decode support for inbound gif bytes
)

// reencode converts data to the requested format. There is no WEBP encoder
// in the dependency set this repository draws on, so a "webp" target falls
// back to the original bytes unchanged, per the documented degrade-on-failure
// policy for the local-save transform.
func reencode(data []byte, format string, jpegQuality int) ([]byte, string, error) {
	switch format {
	case "png":
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("decode source image: %w", err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), ".png", nil

	case "jpeg", "jpg":
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("decode source image: %w", err)
		}
		if jpegQuality <= 0 {
			jpegQuality = 85
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), ".jpg", nil

	case "webp":
		return data, extensionFor(""), fmt.Errorf("no webp encoder available, keeping original")

	default:
		return data, extensionFor(""), fmt.Errorf("unknown local save format %q", format)
	}
}
