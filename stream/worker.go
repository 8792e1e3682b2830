package stream

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

const (
	reasonStopRequested = "stop requested"
	reasonCancelKey     = "cancel key"
)

var errNilFrame = errors.New("nil frame")

// Рабочая горутина сессии. Только она владеет устройством захвата и окном и
// освобождает их ровно один раз, как бы сессия ни завершилась.
func (c *Controller) run(s *session) {
	// Окна и устройства gocv привязаны к потоку ОС, который их создал.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := c.log.WithField("session_id", s.id)

	log.Info("subsystem started")
	defer log.Info("subsystem stopped")

	var (
		capture   Capture
		presenter Presenter
		reason    string
		err       error
	)

	// Любой выход из горутины, включая панику, ведёт в teardown.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
		c.teardown(log, s, capture, presenter, reason, err)
	}()

	// Открываем устройство захвата.
	capture, err = c.source.Open(c.opts.DeviceIndex)
	if err != nil {
		capture = nil
		err = fmt.Errorf("open device %d: %w: %w", c.opts.DeviceIndex,
			ErrDeviceUnavailable, err)
		return
	}

	// Устройство открыто: сессия запущена.
	c.transition(Starting, Running)
	c.status("stream running")

	// Открываем окно показа.
	presenter, err = c.opts.NewPresenter()
	if err != nil {
		presenter = nil
		err = fmt.Errorf("open presenter: %w", err)
		return
	}

	reason, err = c.loop(log, s, capture, presenter)
}

func (c *Controller) loop(log *logrus.Entry, s *session, capture Capture,
	presenter Presenter) (string, error) {

	for {
		// Запрошена остановка.
		select {
		case <-s.ctx.Done():
			return reasonStopRequested, nil
		default:
		}

		// Нажата клавиша отмены.
		if presenter.PollCancelKey() {
			return reasonCancelKey, nil
		}

		// Получаем очередной кадр.
		img, ok := capture.Read()
		if !ok {
			return "", fmt.Errorf("read frame: %w", ErrDeviceUnavailable)
		}
		if img == nil {
			return "", fmt.Errorf("read frame: %w: %w", ErrDeviceUnavailable,
				errNilFrame)
		}

		c.step(log, s, presenter, img)
	}
}

// Обработка одного кадра. Кадр закрывается в конце.
func (c *Controller) step(log *logrus.Entry, s *session, presenter Presenter,
	img Image) {

	defer func() {
		err := img.Close()
		if err != nil {
			log.WithError(err).Error("failed to close frame")
		}
	}()

	n := s.frames.Add(1)

	// Сверяем с галереей только каждый MatchEvery-ый кадр.
	if n%uint64(c.opts.MatchEvery) == 0 {
		if m, ok := c.match(log, s, img); ok {
			img.DrawText(m.Label(), OverlayPoint)
			if c.opts.Matches != nil {
				c.opts.Matches.Matched(s.id, n, m)
			}
		}
	}

	// Ошибка показа не останавливает сессию.
	err := presenter.Show(img)
	if err != nil {
		log.WithError(err).Error("failed to show frame")
	}
}

// Поиск лица с кадра в галерее. Любая ошибка или паника движка означает, что
// совпадения нет.
func (c *Controller) match(log *logrus.Entry, s *session, img Image) (
	m Match, ok bool) {

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("match engine panicked")
			m, ok = Match{}, false
		}
	}()

	candidates, err := c.engine.Search(s.ctx, img, s.galleryPath)
	if err != nil {
		log.WithError(err).Debug("no match")
		return Match{}, false
	}

	return bestMatch(candidates)
}

func (c *Controller) teardown(log *logrus.Entry, s *session, capture Capture,
	presenter Presenter, reason string, cause error) {

	defer close(s.done)

	// Если сессия успела запуститься, сообщаем об остановке.
	if c.enterStopping() {
		c.status("stream stopping")
	}

	// Освобождаем устройство и закрываем окно. Ошибки только логируем.
	if capture != nil {
		err := safely(capture.Release)
		if err != nil {
			log.WithError(err).Error("failed to release capture")
		}
	}

	if presenter != nil {
		err := safely(presenter.Close)
		if err != nil {
			log.WithError(err).Error("failed to close presenter")
		}
	}

	s.cancel()

	// Сессия завершена, контроллер снова простаивает.
	c.mx.Lock()
	c.state = Idle
	c.session = nil
	c.mx.Unlock()

	if cause != nil {
		log.WithError(cause).Error("stream failed")
		c.status("stream failed: " + cause.Error())
		return
	}

	log.WithField("reason", reason).Info("stream stopped")
	c.status("stream stopped: " + reason)
}

// Переводит запущенную сессию или сессию с запрошенной остановкой в Stopping.
// Возвращает true, если сессия успела запуститься.
func (c *Controller) enterStopping() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	switch c.state {
	case Running, Stopping:
		c.state = Stopping
		return true
	}
	return false
}

// Вызов f, паника превращается в ошибку.
func safely(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}
