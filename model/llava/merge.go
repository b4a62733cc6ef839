package llava

import (
	"errors"
	"fmt"

	"github.com/chenwanqq/llava-go/imageproc"
	"github.com/chenwanqq/llava-go/model"
)

// ErrExtractorContract reports a vision encoder that broke its output
// contract, such as returning different patch counts for tiles of the same
// configuration. This is a configuration fault and is never retried.
var ErrExtractorContract = errors.New("vision encoder violated its output contract")

// Coord records where one merged vector came from. Tile is the index into the
// tiling result, Row and Col are the patch coordinates within that tile. A
// separator vector has Tile == -1.
type Coord struct {
	Tile int
	Row  int
	Col  int
}

// Merged is the flat image token sequence for one image. Coords parallels
// Vectors and exists for traceability only; nothing downstream computes
// with it.
type Merged struct {
	Vectors [][]float32
	Coords  []Coord
}

// MergedLen reports how many vectors Merge will produce for a plan without
// running the encoder. The assembler uses it to budget context space before
// any text is tokenized.
func MergedLen(cfg model.Config, plan imageproc.TilingPlan) int {
	perTile := cfg.PatchesPerTile()

	if plan.Strategy == imageproc.StrategyPad {
		return perTile
	}

	n := plan.NumTiles() * perTile
	if cfg.PatchMergeType != "flat" && len(cfg.ImageNewline) > 0 {
		// one separator per global patch row
		n += plan.Rows * cfg.PatchesPerSide()
	}
	return n
}

// Merge combines the per-tile encoder outputs for one image into its flat
// token sequence.
//
// Every tile first loses its leading summary vectors per the selection
// config. Under the flat merge type the trimmed tiles are concatenated in
// tile order. Under the spatial merge type the grid tiles are reassembled
// into one large patch grid honoring their (row, col) placement, an optional
// separator vector is appended to each global patch row, and the base tile's
// sequence is placed before (or after) the grid.
func Merge(cfg model.Config, plan imageproc.TilingPlan, tiles []imageproc.Tile, embeds []model.PatchEmbeddings) (Merged, error) {
	if len(tiles) != plan.NumTiles() || len(embeds) != len(tiles) {
		return Merged{}, fmt.Errorf("%w: %d tiles with %d outputs for a %d tile plan",
			ErrExtractorContract, len(tiles), len(embeds), plan.NumTiles())
	}

	side := cfg.PatchesPerSide()
	drop := cfg.SelectDrop()
	want := side*side + drop

	trimmed := make([]model.PatchEmbeddings, len(embeds))
	for i, e := range embeds {
		if len(e) != want {
			return Merged{}, fmt.Errorf("%w: tile %d has %d patch vectors, want %d",
				ErrExtractorContract, i, len(e), want)
		}
		for j, v := range e {
			if len(v) != cfg.HiddenSize {
				return Merged{}, fmt.Errorf("%w: tile %d patch %d has width %d, want %d",
					ErrExtractorContract, i, j, len(v), cfg.HiddenSize)
			}
		}
		trimmed[i] = e[drop:]
	}

	var out Merged
	appendTile := func(tile int) {
		for p, v := range trimmed[tile] {
			out.Vectors = append(out.Vectors, v)
			out.Coords = append(out.Coords, Coord{Tile: tile, Row: p / side, Col: p % side})
		}
	}

	if cfg.PatchMergeType == "flat" || plan.Strategy == imageproc.StrategyPad {
		for i := range trimmed {
			appendTile(i)
		}
		return out, nil
	}

	// spatial: locate the grid tiles by their (row, col) placement
	grid := make([][]int, plan.Rows)
	for r := range grid {
		grid[r] = make([]int, plan.Cols)
	}

	var base int = -1
	for i, t := range tiles {
		if t.Base {
			if base >= 0 {
				return Merged{}, fmt.Errorf("%w: more than one base tile", ErrExtractorContract)
			}
			base = i
			continue
		}
		if t.Row < 0 || t.Row >= plan.Rows || t.Col < 0 || t.Col >= plan.Cols {
			return Merged{}, fmt.Errorf("%w: tile %d placed at (%d, %d) outside a %dx%d grid",
				ErrExtractorContract, i, t.Row, t.Col, plan.Rows, plan.Cols)
		}
		grid[t.Row][t.Col] = i
	}
	if base < 0 {
		return Merged{}, fmt.Errorf("%w: anyres tiling without a base tile", ErrExtractorContract)
	}

	if !cfg.BaseTileAfterGrid {
		appendTile(base)
	}

	// walk the global patch grid row major: global row gr spans patch row
	// gr%side of every tile in tile row gr/side
	for gr := 0; gr < plan.Rows*side; gr++ {
		pr := gr % side
		for tc := 0; tc < plan.Cols; tc++ {
			tile := grid[gr/side][tc]
			for pc := 0; pc < side; pc++ {
				out.Vectors = append(out.Vectors, trimmed[tile][pr*side+pc])
				out.Coords = append(out.Coords, Coord{Tile: tile, Row: pr, Col: pc})
			}
		}

		if len(cfg.ImageNewline) > 0 {
			out.Vectors = append(out.Vectors, cfg.ImageNewline)
			out.Coords = append(out.Coords, Coord{Tile: -1})
		}
	}

	if cfg.BaseTileAfterGrid {
		appendTile(base)
	}

	return out, nil
}
