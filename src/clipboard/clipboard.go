package clipboard

import (
	"errors"
	"sync"

	"golang.design/x/clipboard"
)

// ErrNoImage is returned when the clipboard holds no image.
var ErrNoImage = errors.New("clipboard holds no image")

var (
	initOnce sync.Once
	initErr  error
	mu       sync.Mutex
)

// Init prepares clipboard access. It is safe to call more than once.
func Init() error {
	initOnce.Do(func() {
		initErr = clipboard.Init()
	})
	return initErr
}

// ReadImage returns the PNG image currently on the clipboard.
func ReadImage() ([]byte, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	data := clipboard.Read(clipboard.FmtImage)
	if len(data) == 0 {
		return nil, ErrNoImage
	}
	return data, nil
}

// WriteImage puts a PNG image on the clipboard, guarded against parallel writes.
func WriteImage(png []byte) error {
	if err := Init(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	clipboard.Write(clipboard.FmtImage, png)
	return nil
}
