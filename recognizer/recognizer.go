// Пакет recognizer со сверкой кадров с галереей на детекторе и дескрипторах
// лиц dlib.
package recognizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dimuls/face"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/dimuls/face-streamer/gallery"
	"github.com/dimuls/face-streamer/stream"
)

var (
	// Ошибка изображения, на котором не обнаружено лиц.
	ErrNoFace = errors.New("no face detected")

	// Ошибка кадра без gocv.Mat.
	ErrNotMat = errors.New("frame is not a gocv mat")
)

// Сколько проиндексированных галерей держим в памяти по умолчанию.
const defaultCacheSize = 4

type Config struct {
	DetectorModelPath   string
	ShaperModelPath     string
	RecognizerModelPath string
	Padding             float64
	Jittering           int

	// Кандидаты дальше этого расстояния отбрасываются. Ноль оставляет всех.
	SimilarFaceDistance float64

	// Сколько проиндексированных галерей держать в памяти.
	CacheSize int
}

type matFrame interface {
	Mat() gocv.Mat
}

// Движок сверки лиц. Галерея индексируется при первом обращении и кешируется
// по пути.
type Engine struct {
	config     Config
	detector   *face.Detector
	recognizer *face.Recognizer
	log        *logrus.Entry
	indexes    *indexCache
}

func New(config Config) (*Engine, error) {
	if config.Padding < 0 {
		return nil, errors.New("invalid padding")
	}

	if config.Jittering < 0 {
		return nil, errors.New("invalid jittering")
	}

	if config.CacheSize <= 0 {
		config.CacheSize = defaultCacheSize
	}

	// Создаём детектор лиц.
	detector, err := face.NewDetector(config.DetectorModelPath)
	if err != nil {
		return nil, fmt.Errorf("create detector: %w", err)
	}

	// Создаём распознаватель лиц.
	recognizer, err := face.NewRecognizer(config.ShaperModelPath,
		config.RecognizerModelPath)
	if err != nil {
		return nil, fmt.Errorf("create recognizer: %w", err)
	}

	e := &Engine{
		config:     config,
		detector:   detector,
		recognizer: recognizer,
		log:        logrus.WithField("subsystem", "recognizer"),
	}

	// Кеш индексов галерей.
	e.indexes, err = newIndexCache(config.CacheSize, func(path string) (
		*gallery.Index, error) {
		return gallery.Build(path, e.describeFile)
	}, e.log)
	if err != nil {
		return nil, err
	}

	return e, nil
}

func (e *Engine) Search(ctx context.Context, img stream.Image,
	galleryPath string) ([]stream.Candidate, error) {

	f, ok := img.(matFrame)
	if !ok {
		return nil, ErrNotMat
	}

	// Достаём индекс галереи из кеша.
	ix, err := e.indexes.get(galleryPath)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Считаем дескриптор лица с кадра и ищем ближайшие лица галереи.
	descr, err := e.describe(f.Mat())
	if err != nil {
		return nil, err
	}

	return ix.Rank(descr, e.config.SimilarFaceDistance), nil
}

// Расчёт дескриптора лица на изображении галереи.
func (e *Engine) describeFile(path string) ([]float32, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer func() {
		err := img.Close()
		if err != nil {
			e.log.WithError(err).Error("failed to close image")
		}
	}()

	if img.Empty() {
		return nil, fmt.Errorf("read image %s", path)
	}

	return e.describe(img)
}

// Расчёт дескриптора самого уверенно обнаруженного лица на img.
func (e *Engine) describe(img gocv.Mat) ([]float32, error) {
	detections, err := e.detector.BatchDetect([]gocv.Mat{img})
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}

	if len(detections) == 0 {
		return nil, ErrNoFace
	}

	d, ok := mostConfident(detections[0])
	if !ok {
		return nil, ErrNoFace
	}

	// Дескриптор считаем только для одного лица.
	descr, err := e.recognizer.Recognize(img, d.Rectangle, e.config.Padding,
		e.config.Jittering)
	if err != nil {
		return nil, fmt.Errorf("recognize face: %w", err)
	}

	return descr[:], nil
}

// Функция для поиска обнаружения с наибольшей уверенностью.
func mostConfident(ds []face.Detection) (face.Detection, bool) {
	if len(ds) == 0 {
		return face.Detection{}, false
	}
	best := ds[0]
	for _, d := range ds[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}
