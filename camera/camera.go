// Пакет camera с устройствами захвата на gocv.
package camera

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"gocv.io/x/gocv"

	"github.com/dimuls/face-streamer/stream"
)

var errNotOpened = errors.New("video capture is not opened")

// Цвет подписи совпадения.
var green = color.RGBA{
	R: 0,
	G: 255,
	B: 0,
	A: 0,
}

// Источник кадров из локальных устройств или потоков по URL.
type Source struct {
	// Если задан, открываем поток по URL вместо устройства по индексу.
	URL string

	// Размер кадра, который запрашиваем у устройства, если он задан.
	Width  int
	Height int
}

// Что открывать через gocv.OpenVideoCapture.
func (s Source) device(deviceIndex int) interface{} {
	if s.URL != "" {
		return s.URL
	}
	return deviceIndex
}

func (s Source) Open(deviceIndex int) (stream.Capture, error) {
	// Открываем устройство захвата.
	vc, err := gocv.OpenVideoCapture(s.device(deviceIndex))
	if err != nil {
		return nil, fmt.Errorf("open video capture: %w", err)
	}

	// Устройство может не открыться и без ошибки.
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, errNotOpened
	}

	// Запрашиваем размер кадра.
	if s.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(s.Width))
	}
	if s.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(s.Height))
	}

	return &Capture{vc: vc}, nil
}

// Открытое устройство захвата gocv.
type Capture struct {
	vc *gocv.VideoCapture

	once sync.Once
	err  error
}

func (c *Capture) Read() (stream.Image, bool) {
	// Пустой кадр считаем отказом устройства.
	mat := gocv.NewMat()
	if !c.vc.Read(&mat) || mat.Empty() {
		_ = mat.Close()
		return nil, false
	}
	return NewFrame(mat), true
}

func (c *Capture) Release() error {
	c.once.Do(func() {
		c.err = c.vc.Close()
	})
	return c.err
}

// Кадр с устройства захвата.
type Frame struct {
	mat gocv.Mat
}

// Кадр забирает mat себе и закроет его сам.
func NewFrame(mat gocv.Mat) *Frame {
	return &Frame{mat: mat}
}

func (f *Frame) Mat() gocv.Mat {
	return f.mat
}

func (f *Frame) DrawText(text string, at image.Point) {
	gocv.PutText(&f.mat, text, at, gocv.FontHersheySimplex, 1, green, 2)
}

func (f *Frame) Close() error {
	return f.mat.Close()
}
