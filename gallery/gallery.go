// Пакет gallery с индексом директории эталонных лиц. Каждое изображение
// принадлежит личности, названной по его родительской директории:
//
//	gallery/
//	  alice/1.jpg
//	  alice/2.png
//	  bob/portrait.jpeg
package gallery

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dimuls/face-streamer/stream"
)

// Ошибка галереи, в которой не нашлось ни одного лица.
var ErrEmpty = errors.New("gallery has no faces")

// Расширения изображений галереи, без учёта регистра.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Структура эталонного лица.
type Face struct {
	Identity   string
	Path       string
	Descriptor []float32
}

// Функция расчёта дескриптора лица на изображении по пути path.
type DescribeFunc func(path string) ([]float32, error)

// Неизменяемый набор эталонных лиц.
type Index struct {
	Path  string
	Faces []Face
}

// Личность изображения галереи: имя родительской директории.
func Identity(path string) string {
	return filepath.Base(filepath.Dir(path))
}

// Пути изображений галереи в лексическом порядке.
func Scan(dir string) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Прочие файлы, например кеши дескрипторов, пропускаем.
		if imageExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan gallery: %w", err)
	}

	sort.Strings(paths)

	return paths, nil
}

// Расчёт дескрипторов всех изображений галереи. Изображения, для которых
// дескриптор рассчитать не удалось, пропускаются.
func Build(dir string, describe DescribeFunc) (*Index, error) {
	paths, err := Scan(dir)
	if err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"subsystem": "gallery",
		"gallery":   dir,
	})

	ix := &Index{Path: dir}

	// Для каждого изображения считаем дескриптор и заносим лицо в индекс.
	for _, path := range paths {
		descr, err := describe(path)
		if err != nil {
			log.WithError(err).WithField("path", path).
				Warning("failed to describe gallery image, skipping")
			continue
		}
		ix.Faces = append(ix.Faces, Face{
			Identity:   Identity(path),
			Path:       path,
			Descriptor: descr,
		})
	}

	if len(ix.Faces) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrEmpty)
	}

	log.WithField("faces", len(ix.Faces)).Info("gallery indexed")

	return ix, nil
}

// Функция расчёта Евклидова расстояния между двумя дескрипторами лица.
func EuclideanDistance(d1, d2 []float32) float64 {
	var sum float64
	for i := range d1 {
		sum += math.Pow(float64(d1[i])-float64(d2[i]), 2)
	}
	return math.Sqrt(sum)
}

// Функция для поиска ближайших к дескриптору лиц. Возвращает по одному
// кандидату на личность, её ближайшее лицо, по возрастанию расстояния.
// Кандидаты дальше maxDistance отбрасываются, если maxDistance не ноль.
func (ix *Index) Rank(d []float32, maxDistance float64) []stream.Candidate {
	best := make(map[string]float64, len(ix.Faces))

	for _, f := range ix.Faces {
		if len(f.Descriptor) != len(d) {
			continue
		}
		dist := EuclideanDistance(f.Descriptor, d)
		// Слишком далёкое лицо считаем непохожим.
		if maxDistance > 0 && dist > maxDistance {
			continue
		}
		if prev, ok := best[f.Identity]; !ok || dist < prev {
			best[f.Identity] = dist
		}
	}

	candidates := make([]stream.Candidate, 0, len(best))
	for identity, dist := range best {
		candidates = append(candidates, stream.Candidate{
			Identity: identity,
			Distance: dist,
		})
	}

	// При равном расстоянии порядок по имени, чтобы он был стабильным.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].Identity < candidates[j].Identity
	})

	return candidates
}
