// Package inputs loads an input slot's image from a file, stdin, the
// clipboard or an inline data URL.
package inputs

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"tryon-relay/src/clipboard"
	"tryon-relay/src/job"
)

const (
	SourceStdin     = "-"
	SourceClipboard = "clipboard"
)

// ErrNotImage is returned for content that does not sniff as an image.
var ErrNotImage = errors.New("content is not an image")

// Loader resolves source specs. The zero value reads the real stdin and
// clipboard.
type Loader struct {
	Stdin     io.Reader
	Clipboard func() ([]byte, error)
}

// Load returns the image named by spec: "-" for stdin, "clipboard", a
// "data:" URL, or a file path.
func (l Loader) Load(spec string) ([]byte, error) {
	spec = strings.TrimSpace(spec)
	var (
		data []byte
		err  error
	)
	switch {
	case spec == "":
		return nil, errors.New("empty image source")
	case spec == SourceStdin:
		in := l.Stdin
		if in == nil {
			in = os.Stdin
		}
		data, err = io.ReadAll(in)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	case spec == SourceClipboard:
		read := l.Clipboard
		if read == nil {
			read = clipboard.ReadImage
		}
		data, err = read()
		if err != nil {
			return nil, fmt.Errorf("read clipboard: %w", err)
		}
	case strings.HasPrefix(spec, "data:"):
		data, _, err = job.DecodeDataURL(spec)
		if err != nil {
			return nil, err
		}
	default:
		data, err = os.ReadFile(spec)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
	}
	if err := checkImage(data); err != nil {
		return nil, fmt.Errorf("%s: %w", describe(spec), err)
	}
	return data, nil
}

func checkImage(data []byte) error {
	if len(data) == 0 {
		return errors.New("no image data")
	}
	if !strings.HasPrefix(http.DetectContentType(data), "image/") {
		return ErrNotImage
	}
	return nil
}

func describe(spec string) string {
	if strings.HasPrefix(spec, "data:") {
		return "data URL"
	}
	return spec
}
