// Пакет stream с сессией распознавания лиц в реальном времени. Рабочая
// горутина читает кадры с устройства захвата, каждый n-ый кадр сверяет с
// галереей, подписывает на кадре ближайшее лицо и показывает кадр. Сессия
// идёт до запроса остановки, нажатия клавиши отмены или отказа устройства.
package stream

import (
	"context"
	"errors"
	"image"
)

var (
	// Ошибка запуска сессии при уже активной сессии.
	ErrAlreadyRunning = errors.New("stream already running")

	// Причина завершения сессии, если устройство захвата не открылось или
	// перестало отдавать кадры.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// Ошибка запуска сессии без пути до галереи.
	ErrEmptyGallery = errors.New("empty gallery path")
)

// Кадр. Кадром владеет итерация цикла, которая его прочитала, и в конце
// итерации кадр закрывается.
type Image interface {
	DrawText(text string, at image.Point)
	Close() error
}

// Источник кадров: открывает устройства захвата.
type FrameSource interface {
	Open(deviceIndex int) (Capture, error)
}

// Открытое устройство захвата. Read возвращает ok=false, если поток
// закончился или устройство отказало. Release можно вызывать повторно.
type Capture interface {
	Read() (img Image, ok bool)
	Release() error
}

// Кандидат из галереи и его расстояние до искомого лица.
type Candidate struct {
	Identity string
	Distance float64
}

// Поиск лица с кадра в галерее. Кандидаты отсортированы по возрастанию
// расстояния, их может не быть вовсе.
type MatchEngine interface {
	Search(ctx context.Context, img Image, galleryPath string) ([]Candidate, error)
}

// Показ кадров. PollCancelKey не блокирует и сообщает, была ли нажата
// клавиша отмены с прошлого опроса. Close можно вызывать повторно.
type Presenter interface {
	Show(img Image) error
	PollCancelKey() bool
	Close() error
}

// Получатель статусных сообщений сессии.
type StatusSink interface {
	Status(msg string)
}

// Получатель всех найденных сессией совпадений.
type MatchSink interface {
	Matched(sessionID string, frame uint64, m Match)
}
