package symbol

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/hitzhangjie/gounwind/pkg/maps"
)

// Loader opens the images of mappings. Mappings of the same file share one
// image.
type Loader struct {
	mu     sync.Mutex
	images *lru.Cache[string, *Image]
	open   func(path string) (*Image, error)
}

// NewLoader returns a loader keeping at most size images open.
func NewLoader(size int) (*Loader, error) {
	images, err := lru.New[string, *Image](size)
	if err != nil {
		return nil, errors.Wrap(err, "image cache")
	}
	return &Loader{images: images, open: Open}, nil
}

// Load returns the image of info. It satisfies maps.Loader.
func (l *Loader) Load(info *maps.MapInfo) (maps.Object, error) {
	if info.Name == "" || strings.HasPrefix(info.Name, "[") {
		return nil, errors.Errorf("%#x-%#x: no backing file", info.Start, info.End)
	}

	// serialize opens so concurrent unwinds read a file once
	l.mu.Lock()
	defer l.mu.Unlock()

	if img, ok := l.images.Get(info.Name); ok {
		return img, nil
	}
	img, err := l.open(info.Name)
	if err != nil {
		return nil, err
	}
	l.images.Add(info.Name, img)
	return img, nil
}
