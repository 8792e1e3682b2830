// Пакет window с показом кадров в окне gocv.
package window

import (
	"errors"
	"sync"

	"gocv.io/x/gocv"

	"github.com/dimuls/face-streamer/stream"
)

// Клавиша отмены.
const escKey = 27

// Ошибка показа кадра без gocv.Mat.
var ErrNotMat = errors.New("frame is not a gocv mat")

type matFrame interface {
	Mat() gocv.Mat
}

// Окно показа кадров. Пользоваться окном можно только из потока ОС, который
// его открыл.
type Window struct {
	w    *gocv.Window
	once sync.Once
	err  error
}

// Создание окна с изменяемым размером.
func Open(title string, width, height int) *Window {
	w := gocv.NewWindow(title)
	if width > 0 && height > 0 {
		w.ResizeWindow(width, height)
	}
	return &Window{w: w}
}

// Фабрика окон с заданными заголовком и размером для контроллера.
func Presenter(title string, width, height int) func() (stream.Presenter, error) {
	return func() (stream.Presenter, error) {
		return Open(title, width, height), nil
	}
}

func (w *Window) Show(img stream.Image) error {
	f, ok := img.(matFrame)
	if !ok {
		return ErrNotMat
	}
	w.w.IMShow(f.Mat())
	return nil
}

// Обработка событий окна в течение миллисекунды. Возвращает true, если нажат
// ESC.
func (w *Window) PollCancelKey() bool {
	return isCancelKey(w.w.WaitKey(1))
}

func (w *Window) Close() error {
	w.once.Do(func() {
		w.err = w.w.Close()
	})
	return w.err
}

// WaitKey возвращает -1, если клавиша не нажата. Старшие биты кода клавиши
// отбрасываем.
func isCancelKey(key int) bool {
	return key >= 0 && key&0xFF == escKey
}
