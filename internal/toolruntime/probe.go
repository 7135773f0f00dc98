package toolruntime

import (
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var imagickOnce sync.Once

func ensureImagick() {
	imagickOnce.Do(imagick.Initialize)
}

// ProbeDimensions opens path with ImageMagick's wand and returns its
// pixel width and height, grounded on the teacher's
// internal/tasks/imagemagick_processor.go wand usage (the teacher's
// internal/tasks/meta.go shells out to `identify` for the same fact;
// the wand does it in-process and is already a module dependency for
// §4.7's output probing).
func ProbeDimensions(path string) (width, height uint, err error) {
	ensureImagick()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ReadImage(path); err != nil {
		return 0, 0, fmt.Errorf("probe dimensions of %s: %w", path, err)
	}
	return mw.GetImageWidth(), mw.GetImageHeight(), nil
}

// Terminate releases ImageMagick's global state; callers invoke this
// once at process shutdown.
func Terminate() {
	imagick.Terminate()
}
