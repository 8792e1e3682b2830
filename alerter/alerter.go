// Пакет alerter с тревогами о распознанных сессией лицах. Тревога о лице
// поднимается один раз, после чего лицо некоторое время считается активным,
// чтобы лицо перед камерой не поднимало тревогу на каждом кадре.
package alerter

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dimuls/face-streamer/stream"
)

// Тревога о распознанном лице.
type Alert struct {
	SessionID  string
	Identity   string
	Similarity float64
	Frame      uint64
	DetectedAt time.Time
}

// Получатель тревог.
type Notifier interface {
	Alert(a Alert)
}

// Обработчик совпадений сессии, поднимающий тревоги.
type Alerter struct {
	activeFaceDuration time.Duration
	notifiers          []Notifier
	now                func() time.Time

	// Кеш активных лиц: время последней тревоги по имени лица.
	activeFacesMx sync.Mutex
	activeFaces   map[string]time.Time
}

func New(activeFaceDuration time.Duration, notifiers ...Notifier) *Alerter {
	return &Alerter{
		activeFaceDuration: activeFaceDuration,
		notifiers:          notifiers,
		now:                time.Now,
		activeFaces:        map[string]time.Time{},
	}
}

func (a *Alerter) Matched(sessionID string, frame uint64, m stream.Match) {
	now := a.now()

	// Если тревога о лице поднималась недавно, то пропускаем совпадение:
	// считаем что тревога уже поднята.
	a.activeFacesMx.Lock()
	noticedAt, ok := a.activeFaces[m.Identity]
	if ok && now.Sub(noticedAt) <= a.activeFaceDuration {
		a.activeFacesMx.Unlock()
		return
	}
	a.activeFaces[m.Identity] = now
	a.activeFacesMx.Unlock()

	// Формируем тревогу и рассылаем её.
	alert := Alert{
		SessionID:  sessionID,
		Identity:   m.Identity,
		Similarity: m.Similarity(),
		Frame:      frame,
		DetectedAt: now,
	}

	for _, n := range a.notifiers {
		n.Alert(alert)
	}
}

// Очистка кеша от лиц, которые больше не активны.
func (a *Alerter) Clean() {
	now := a.now()

	a.activeFacesMx.Lock()
	for k, noticedAt := range a.activeFaces {
		if now.Sub(noticedAt) > a.activeFaceDuration {
			delete(a.activeFaces, k)
		}
	}
	a.activeFacesMx.Unlock()
}

// Обработчик кеша активных лиц. Кеш должен очищаться, чтобы мы не
// переполнили память.
func (a *Alerter) Run(ctx context.Context, period time.Duration) {
	log := logrus.WithField("subsystem", "alerter_cleaner")

	log.Info("subsystem started")
	defer log.Info("subsystem stopped")

	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		a.Clean()
	}
}

func (a *Alerter) active() int {
	a.activeFacesMx.Lock()
	defer a.activeFacesMx.Unlock()
	return len(a.activeFaces)
}
