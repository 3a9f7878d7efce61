package recognition

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"
)

// MinImageBytes is the smallest decoded image accepted.
const MinImageBytes = 75

// ErrInvalidImage is returned for payloads that do not decode to a usable image.
var ErrInvalidImage = errors.New("invalid image")

// NormalizeImage turns a request payload into raw image bytes. Binary images
// pass through; base64 text, with or without a data URL header, is decoded.
func NormalizeImage(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	img := payload
	if !strings.HasPrefix(http.DetectContentType(payload), "image/") {
		decoded, err := decodeBase64Image(string(payload))
		if err != nil {
			return nil, err
		}
		img = decoded
	}

	if len(img) < MinImageBytes {
		return nil, fmt.Errorf("%w: %d bytes is too small", ErrInvalidImage, len(img))
	}
	return img, nil
}

func decodeBase64Image(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		header, data, ok := strings.Cut(s, ",")
		if !ok || !strings.Contains(header, ";base64") {
			return nil, fmt.Errorf("%w: data URL is not base64 encoded", ErrInvalidImage)
		}
		s = data
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return decoded, nil
}
