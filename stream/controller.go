package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// По умолчанию сверяем с галереей каждый второй кадр.
const DefaultMatchEvery = 2

// Настройки контроллера.
type Options struct {
	// Индекс устройства для FrameSource.Open.
	DeviceIndex int

	// Кадр сверяется с галереей, если его номер (с единицы) кратен
	// MatchEvery. Ноль означает DefaultMatchEvery.
	MatchEvery int

	// Открывает окно показа для сессии. Вызывается в рабочей горутине.
	// Если не задан, сессии идут без показа.
	NewPresenter func() (Presenter, error)

	Status  StatusSink
	Matches MatchSink

	Log *logrus.Entry
}

// Снимок текущей сессии.
type Session struct {
	ID          string
	State       State
	GalleryPath string
	Frames      uint64
}

type session struct {
	id          string
	galleryPath string
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	frames      atomic.Uint64
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Контроллер держит не больше одной сессии за раз. Start, RequestStop, State,
// Snapshot и Done можно вызывать конкурентно, и они никогда не ждут
// устройства: с устройством и окном работает только рабочая горутина сессии.
type Controller struct {
	source FrameSource
	engine MatchEngine
	opts   Options
	log    *logrus.Entry

	mx      sync.RWMutex
	state   State
	session *session
}

func NewController(source FrameSource, engine MatchEngine, opts Options) *Controller {
	if opts.MatchEvery <= 0 {
		opts.MatchEvery = DefaultMatchEvery
	}
	if opts.NewPresenter == nil {
		opts.NewPresenter = func() (Presenter, error) {
			return headless{}, nil
		}
	}
	log := opts.Log
	if log == nil {
		log = logrus.WithField("subsystem", "stream")
	}
	return &Controller{
		source: source,
		engine: engine,
		opts:   opts,
		log:    log,
	}
}

// Запуск сессии с галереей galleryPath. Возвращается сразу, не дожидаясь
// устройства. Если контроллер не простаивает, возвращает ErrAlreadyRunning.
func (c *Controller) Start(galleryPath string) error {
	if galleryPath == "" {
		return ErrEmptyGallery
	}

	// Проверка состояния и создание сессии под одним замком.
	c.mx.Lock()
	if c.state != Idle {
		c.mx.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          uuid.NewString(),
		galleryPath: galleryPath,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.state = Starting
	c.session = s
	c.mx.Unlock()

	c.status(fmt.Sprintf("stream starting: gallery %s", galleryPath))

	// Запуск рабочей горутины сессии.
	go c.run(s)

	return nil
}

// Запрос остановки идущей сессии. В остальных состояниях ничего не делает.
// Статус остановки сообщает сама рабочая горутина, поэтому все статусы сессии
// идут по порядку из неё.
func (c *Controller) RequestStop() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != Running {
		return
	}
	c.state = Stopping
	c.session.cancel()
}

func (c *Controller) State() State {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.state
}

func (c *Controller) Snapshot() Session {
	c.mx.RLock()
	defer c.mx.RUnlock()
	if c.session == nil {
		return Session{State: c.state}
	}
	return Session{
		ID:          c.session.id,
		State:       c.state,
		GalleryPath: c.session.galleryPath,
		Frames:      c.session.frames.Load(),
	}
}

// Канал закрывается после завершения текущей сессии. Если сессии нет, канал
// уже закрыт.
func (c *Controller) Done() <-chan struct{} {
	c.mx.RLock()
	defer c.mx.RUnlock()
	if c.session == nil {
		return closedDone
	}
	return c.session.done
}

// Переход между состояниями. Возвращает false, если текущее состояние не
// from.
func (c *Controller) transition(from, to State) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Controller) status(msg string) {
	if c.opts.Status != nil {
		c.opts.Status.Status(msg)
	}
}

type headless struct{}

func (headless) Show(Image) error   { return nil }
func (headless) PollCancelKey() bool { return false }
func (headless) Close() error        { return nil }
