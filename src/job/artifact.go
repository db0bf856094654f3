package job

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// ArtifactRef points at a result image. Either Data holds the decoded image
// bytes, or the (Filename, Subfolder, Type) triple names a server-side file
// that has to be fetched separately.
type ArtifactRef struct {
	Data []byte
	MIME string

	Filename  string
	Subfolder string
	Type      string
}

// Inline reports whether the artifact carries its own bytes.
func (a ArtifactRef) Inline() bool { return len(a.Data) > 0 }

// Remote reports whether the artifact must be fetched from the server.
func (a ArtifactRef) Remote() bool { return !a.Inline() && a.Filename != "" }

// Name returns a file name suitable for saving the artifact.
func (a ArtifactRef) Name(index int) string {
	if a.Filename != "" {
		return a.Filename
	}
	ext := "png"
	if i := strings.IndexByte(a.MIME, '/'); i >= 0 && i+1 < len(a.MIME) {
		ext = a.MIME[i+1:]
	}
	return fmt.Sprintf("result_%d.%s", index+1, ext)
}

// DataURL renders an inline artifact as a data URL.
func (a ArtifactRef) DataURL() string {
	mime := a.MIME
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// DecodeInline turns a {type:"base64", data} output entry into an artifact.
// Entries of any other type, or with empty data, are not displayable.
func DecodeInline(kind, data string) (ArtifactRef, bool) {
	if kind != "base64" || data == "" {
		return ArtifactRef{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ArtifactRef{}, false
	}
	return ArtifactRef{Data: raw, MIME: SniffImage(raw)}, true
}

// SniffImage returns the MIME type of an image payload, defaulting to PNG
// when the content is not recognised as an image.
func SniffImage(data []byte) string {
	mime := http.DetectContentType(data)
	if strings.HasPrefix(mime, "image/") {
		return mime
	}
	return "image/png"
}

// EncodeDataURL encodes raw image bytes into a base64 data URL.
func EncodeDataURL(data []byte) string {
	return ArtifactRef{Data: data, MIME: SniffImage(data)}.DataURL()
}

// DecodeDataURL parses a base64 data URL of the form
// "data:<mime>;base64,<payload>".
func DecodeDataURL(s string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("data URL has no payload")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", fmt.Errorf("data URL is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data URL: %w", err)
	}
	if mime == "" {
		mime = SniffImage(data)
	}
	return data, mime, nil
}
