package challenge

import (
	"encoding/base64"
	"fmt"
	"strings"

	"rsc.io/qr"
)

const (
	// pngScale is the pixel size of one QR module in rendered PNGs.
	pngScale = 4

	pngDataURIPrefix = "data:image/png;base64,"
)

// renderPNG encodes data at high error correction and returns the PNG bytes.
func renderPNG(data string) ([]byte, error) {
	code, err := qr.Encode(data, qr.H)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR: %w", err)
	}
	if code.Size == 0 {
		return nil, fmt.Errorf("empty QR code")
	}
	code.Scale = pngScale

	png := code.PNG()
	if len(png) == 0 {
		return nil, fmt.Errorf("QR PNG rendering produced no bytes")
	}
	return png, nil
}

func pngDataURI(png []byte) string {
	return pngDataURIPrefix + base64.StdEncoding.EncodeToString(png)
}

// renderSVG produces a self-contained SVG string for the given QR data.
// The SVG uses a white background with black modules, suitable for embedding
// directly in an HTML <img> tag or innerHTML.
func renderSVG(data string, size int) (string, error) {
	code, err := qr.Encode(data, qr.H)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR: %w", err)
	}

	n := code.Size
	if n == 0 {
		return "", fmt.Errorf("empty QR code")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d">`,
		n, n, size, size,
	))
	sb.WriteString(fmt.Sprintf(`<rect width="%d" height="%d" fill="#fff"/>`, n, n))

	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if code.Black(x, y) {
				sb.WriteString(fmt.Sprintf(`<rect x="%d" y="%d" width="1" height="1" fill="#000"/>`, x, y))
			}
		}
	}

	sb.WriteString(`</svg>`)
	return sb.String(), nil
}
