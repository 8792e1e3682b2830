package stream

import (
	"fmt"
	"image"
)

// Точка на кадре, где рисуется подпись совпадения.
var OverlayPoint = image.Point{X: 10, Y: 30}

// Лучший кандидат из галереи для кадра.
type Match struct {
	Identity string
	Distance float64
}

// Схожесть: 1 - расстояние.
func (m Match) Similarity() float64 {
	return 1 - m.Distance
}

// Подпись на кадре, например "alice: 90.00%".
func (m Match) Label() string {
	return fmt.Sprintf("%s: %.2f%%", m.Identity, m.Similarity()*100)
}

// Берём первого кандидата: они уже отсортированы по расстоянию.
func bestMatch(candidates []Candidate) (Match, bool) {
	if len(candidates) == 0 {
		return Match{}, false
	}
	return Match{
		Identity: candidates[0].Identity,
		Distance: candidates[0].Distance,
	}, true
}
