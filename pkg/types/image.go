package types

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotDataURL is returned by [DecodeDataURL] for URLs that do not use the
// base64 data scheme.
var ErrNotDataURL = errors.New("types: not a base64 data URL")

// EncodeDataURL returns a base64 data URL for data. An empty mimeType is
// detected from the content.
func EncodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

// DecodeDataURL splits a "data:<mime>;base64,<payload>" URL into its MIME
// type and decoded bytes.
func DecodeDataURL(url string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	mimeType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, ErrNotDataURL
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("types: decode data URL: %w", err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return mimeType, data, nil
}

// ImageFromBase64 turns a bare base64 payload, as sent by game clients, into
// an image content part. Payloads that already carry the data scheme are
// kept as they are.
func ImageFromBase64(payload string) (ContentPart, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		if _, _, err := DecodeDataURL(payload); err != nil {
			return ContentPart{}, err
		}
		return ImagePart(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return ContentPart{}, fmt.Errorf("types: decode image: %w", err)
	}
	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return ContentPart{}, fmt.Errorf("types: payload is %s, not an image", mimeType)
	}
	return ImagePart(EncodeDataURL(mimeType, data)), nil
}
