package protocol

// Grid is a row-major grid of palette indices or characters.
type Grid [][]byte

// NewGrid allocates a zeroed width x height grid.
func NewGrid(width, height int) Grid {
	g := make(Grid, height)
	cells := make([]byte, width*height)
	for y := range g {
		g[y] = cells[y*width : (y+1)*width : (y+1)*width]
	}
	return g
}

// DecodeRLE fills a width x height grid from (value, count) byte pairs and
// returns the number of bytes consumed. There is no end marker: decoding
// stops as soon as every cell is filled, and any remainder of the last run
// is dropped. Zero-count pairs are skipped.
func DecodeRLE(b []byte, width, height int) (Grid, int, error) {
	g := NewGrid(width, height)
	off := 0
	var value byte
	run := 0
	for y := range height {
		row := g[y]
		for x := range width {
			for run == 0 {
				if off+2 > len(b) {
					return nil, off, ErrShortPayload
				}
				value, run = b[off], int(b[off+1])
				off += 2
			}
			row[x] = value
			run--
		}
	}
	return g, off, nil
}

// EncodeRLE appends the run-length encoding of the width x height region of
// g to dst. Runs continue across row boundaries and never exceed 255. Cells
// missing from g encode as 0.
func EncodeRLE(dst []byte, g Grid, width, height int) []byte {
	run := 0
	var value byte
	for y := range height {
		for x := range width {
			c := cellAt(g, x, y)
			if run > 0 && (c != value || run == 255) {
				dst = append(dst, value, byte(run))
				run = 0
			}
			value = c
			run++
		}
	}
	if run > 0 {
		dst = append(dst, value, byte(run))
	}
	return dst
}

func cellAt(g Grid, x, y int) byte {
	if y >= len(g) || x >= len(g[y]) {
		return 0
	}
	return g[y][x]
}
