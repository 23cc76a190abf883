package geo

import (
	"math"
	"strings"
)

// Levels is the number of geocell resolutions. Level r splits the globe into
// 4^r rows of latitude and 4^r columns of longitude; each level adds one hex
// digit naming the sub-cell (row*4 + col) inside its parent.
const Levels = 13

const hexDigits = "0123456789abcdef"

// metersPerDegree is the length of one degree of latitude.
const metersPerDegree = earthRadius * math.Pi / 180

func span(level int) int {
	return 1 << (2 * level)
}

func latSpan(level int) float64 {
	return 180 / float64(span(level))
}

func lonSpan(level int) float64 {
	return 360 / float64(span(level))
}

// indices returns the row and column of the cell containing (lat, lon).
// Latitude clamps at the poles; longitude wraps.
func indices(lat, lon float64, level int) (row, col int) {
	n := span(level)
	row = int(math.Floor((lat + 90) / 180 * float64(n)))
	row = max(0, min(n-1, row))
	col = int(math.Floor((lon + 180) / 360 * float64(n)))
	col = ((col % n) + n) % n
	return row, col
}

// encode names the cell at (row, col) of the given level.
func encode(row, col, level int) string {
	var sb strings.Builder
	sb.Grow(level)
	for i := level - 1; i >= 0; i-- {
		r := (row >> (2 * i)) & 3
		c := (col >> (2 * i)) & 3
		sb.WriteByte(hexDigits[r*4+c])
	}
	return sb.String()
}

// Cell returns the code of the cell containing (lat, lon) at level.
func Cell(lat, lon float64, level int) string {
	row, col := indices(lat, lon, level)
	return encode(row, col, level)
}

// Cells returns the codes of every level for one point, coarsest first.
func Cells(lat, lon float64) []string {
	out := make([]string, Levels)
	for level := 1; level <= Levels; level++ {
		out[level-1] = Cell(lat, lon, level)
	}
	return out
}

// Ring returns the cells at Chebyshev distance k from (row, col). Rows past
// a pole are dropped and columns wrap around the antimeridian, so a ring may
// be short or repeat a cell when it circles the globe.
func Ring(row, col, level, k int) []string {
	n := span(level)
	if k == 0 {
		return []string{encode(row, col, level)}
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(r, c int) {
		if r < 0 || r >= n {
			return
		}
		code := encode(r, ((c%n)+n)%n, level)
		if _, dup := seen[code]; dup {
			return
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	for dc := -k; dc <= k; dc++ {
		add(row-k, col+dc)
		add(row+k, col+dc)
	}
	for dr := -k + 1; dr <= k-1; dr++ {
		add(row+dr, col-k)
		add(row+dr, col+k)
	}
	return out
}

// minCellMeters is a lower bound on the width and height of any cell of the
// level within k rings of a point at lat.
func minCellMeters(level int, lat float64, k int) float64 {
	height := latSpan(level) * metersPerDegree
	extreme := math.Min(90, math.Abs(lat)+float64(k+1)*latSpan(level))
	width := lonSpan(level) * metersPerDegree * math.Cos(extreme*math.Pi/180)
	return math.Max(0, math.Min(height, width))
}

// startLevel is the finest level whose cells are at least radius across at
// lat, or 0 when even level 1 cells are smaller.
func startLevel(radius, lat float64) int {
	for level := Levels; level >= 1; level-- {
		if minCellMeters(level, lat, 0) >= radius {
			return level
		}
	}
	return 0
}
