package recognizer

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/dimuls/face-streamer/gallery"
)

// Сколько отдаём из кеша ошибку индексации галереи, прежде чем
// просканировать галерею снова.
const failureRetryPeriod = 30 * time.Second

type cachedIndex struct {
	index    *gallery.Index
	err      error
	failedAt time.Time
}

// Кеш индексов галерей по пути. Ошибки индексации тоже кешируются, чтобы
// не сканировать сломанную галерею на каждом сверяемом кадре.
type indexCache struct {
	build func(path string) (*gallery.Index, error)
	now   func() time.Time
	log   *logrus.Entry

	mx      sync.Mutex
	entries *lru.Cache[string, cachedIndex]
}

func newIndexCache(size int, build func(path string) (*gallery.Index, error),
	log *logrus.Entry) (*indexCache, error) {

	entries, err := lru.New[string, cachedIndex](size)
	if err != nil {
		return nil, fmt.Errorf("create gallery cache: %w", err)
	}

	return &indexCache{
		build:   build,
		now:     time.Now,
		log:     log,
		entries: entries,
	}, nil
}

func (c *indexCache) get(path string) (*gallery.Index, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	// Индекс или свежую ошибку отдаём из кеша.
	if e, ok := c.entries.Get(path); ok {
		if e.err == nil || c.now().Sub(e.failedAt) < failureRetryPeriod {
			return e.index, e.err
		}
	}

	// Индексируем галерею.
	ix, err := c.build(path)
	if err != nil {
		err = fmt.Errorf("index gallery %s: %w", path, err)
		c.log.WithError(err).WithField("gallery", path).
			Error("failed to index gallery")
		c.entries.Add(path, cachedIndex{err: err, failedAt: c.now()})
		return nil, err
	}

	c.entries.Add(path, cachedIndex{index: ix})

	return ix, nil
}
