package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	ImageNetDefaultMean  = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD   = [3]float32{0.229, 0.224, 0.225}
	ImageNetStandardMean = [3]float32{0.5, 0.5, 0.5}
	ImageNetStandardSTD  = [3]float32{0.5, 0.5, 0.5}
	ClipDefaultMean      = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD       = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

var ErrInvalidImage = errors.New("invalid image")

// Decode reads an encoded image and validates its dimensions.
func Decode(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: %s image has degenerate bounds %v", ErrInvalidImage, format, b)
	}

	return img, nil
}

// MeanColor converts normalization mean values to an opaque fill color,
// matching the padding fill convention of the reference preprocessors.
func MeanColor(mean [3]float32) color.RGBA {
	clamp := func(v float32) uint8 {
		x := int(v*255 + 0.5)
		if x < 0 {
			x = 0
		} else if x > 255 {
			x = 255
		}
		return uint8(x)
	}

	return color.RGBA{clamp(mean[0]), clamp(mean[1]), clamp(mean[2]), 255}
}

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	return CompositeColor(img, color.RGBA{255, 255, 255, 255})
}

// CompositeColor returns an image with the alpha channel removed by drawing over a background color.
func CompositeColor(img image.Image, c color.Color) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

func kernel(method int) draw.Interpolator {
	kernels := map[int]draw.Interpolator{
		ResizeBilinear:        draw.BiLinear,
		ResizeNearestNeighbor: draw.NearestNeighbor,
		ResizeApproxBilinear:  draw.ApproxBiLinear,
		ResizeCatmullrom:      draw.CatmullRom,
	}

	k, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	return k
}

// Resize returns an image scaled to a new size, ignoring aspect ratio.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	kernel(method).Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Fit returns the largest size preserving the aspect ratio of img that fits
// inside bound. The image may be upscaled.
func Fit(img image.Image, bound image.Point) image.Point {
	b := img.Bounds()
	scale := min(float64(bound.X)/float64(b.Dx()), float64(bound.Y)/float64(b.Dy()))
	return image.Point{
		X: int(float64(b.Dx()) * scale),
		Y: int(float64(b.Dy()) * scale),
	}
}

// Pad returns an image resized to fit within newSize, preserving aspect ratio,
// centered on a canvas filled with a color.
func Pad(img image.Image, newSize image.Point, c color.Color, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)

	fitted := Fit(img, newSize)
	minPoint := image.Point{(newSize.X - fitted.X) / 2, (newSize.Y - fitted.Y) / 2}
	maxPoint := minPoint.Add(fitted)

	kernel(method).Scale(dst, image.Rectangle{Min: minPoint, Max: maxPoint}, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Normalize returns the r, g, b values of an image rescaled to [0, 1] and
// normalized around mean and std. With channelFirst the result is planar
// (all r, then g, then b), otherwise interleaved per pixel.
func Normalize(img image.Image, mean, std [3]float32, rescale, channelFirst bool) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()

	planes := [3][]float32{
		make([]float32, 0, n),
		make([]float32, 0, n),
		make([]float32, 0, n),
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			for i, v := range [3]uint32{r, g, b} {
				var val float32
				if rescale {
					val = float32(v>>8) / 255.0
				}
				planes[i] = append(planes[i], (val-mean[i])/std[i])
			}
		}
	}

	pixelVals := make([]float32, 0, 3*n)
	if channelFirst {
		pixelVals = append(pixelVals, planes[0]...)
		pixelVals = append(pixelVals, planes[1]...)
		pixelVals = append(pixelVals, planes[2]...)
	} else {
		for i := range planes[0] {
			pixelVals = append(pixelVals, planes[0][i], planes[1][i], planes[2][i])
		}
	}

	return pixelVals
}
