package kvcache

import (
	"fmt"
	"math"

	"github.com/chenwanqq/llava-go/model/input"
)

// Causal stores K and V rows according to their position in the sequence and
// returns the history with a mask for attending to past positions.
//
// One Causal instance holds one sequence. Growth is append-only: each forward
// pass claims one cell per batch row, and cells are only released by Remove
// when a cached prefix is being reused by a new sequence.
type Causal struct {
	dtype    DType
	capacity int

	// ** current forward pass **

	// size of the current batch
	curBatchSize int

	// cell index claimed for each row of this batch
	curLocs []int32

	// mask of the cache as used by this batch
	curMask [][]float32

	// the active layer for Get and Put
	curLayer int

	// positions corresponding to this pass's rows
	curPositions []int32

	// cells needed by this batch
	curCellRange cellRange

	// ** cache metadata **

	// for each location, the stored position and whether it is live
	cells []cacheCell

	// span of live cells
	bounds cellRange

	// ** cache data storage **

	keys, values map[int]*arena
}

type cacheCell struct {
	pos  int32
	used bool
}

type cellRange struct {
	min int
	max int
}

func newRange() cellRange {
	return cellRange{min: math.MaxInt, max: 0}
}

func NewCausalCache() *Causal {
	return &Causal{
		keys:   make(map[int]*arena),
		values: make(map[int]*arena),
	}
}

func (c *Causal) Init(dtype DType, capacity int) {
	if capacity <= 0 {
		panic(fmt.Errorf("kv cache capacity must be positive (got %v)", capacity))
	}

	c.dtype = dtype
	c.capacity = capacity
	c.cells = make([]cacheCell, capacity)
	c.bounds = newRange()
}

func (c *Causal) Close() {
	c.cells = nil
	c.keys = nil
	c.values = nil
}

func (c *Causal) StartForward(batch input.Batch) error {
	c.curBatchSize = len(batch.Positions)
	c.curPositions = batch.Positions

	if c.curBatchSize == 0 {
		return fmt.Errorf("forward pass with no positions")
	}

	locs, err := c.findLocs()
	if err != nil {
		return err
	}
	c.curLocs = locs

	c.curCellRange = newRange()
	for i, pos := range batch.Positions {
		loc := int(locs[i])
		c.cells[loc] = cacheCell{pos: pos, used: true}

		c.bounds.min = min(c.bounds.min, loc)
		c.bounds.max = max(c.bounds.max, loc)
	}
	c.curCellRange = c.bounds

	c.curMask = c.buildMask()

	return nil
}

// findLocs returns a free cell for each row in the batch.
func (c *Causal) findLocs() ([]int32, error) {
	locs := make([]int32, 0, c.curBatchSize)

	for i := range c.cells {
		if !c.cells[i].used {
			locs = append(locs, int32(i))
			if len(locs) >= c.curBatchSize {
				return locs, nil
			}
		}
	}

	return nil, fmt.Errorf("%w (cache: %v batch: %v)", ErrKvCacheFull, len(c.cells), c.curBatchSize)
}

// buildMask builds a batch x history mask indicating, for each row in the
// batch, which cells of the history it may attend to. A cell applies when it
// is live and its position does not exceed the row's position.
func (c *Causal) buildMask() [][]float32 {
	length := c.curCellRange.max - c.curCellRange.min + 1

	mask := make([][]float32, c.curBatchSize)
	for i := range mask {
		row := make([]float32, length)
		for j := c.curCellRange.min; j <= c.curCellRange.max; j++ {
			if !c.cells[j].used || c.cells[j].pos > c.curPositions[i] {
				row[j-c.curCellRange.min] = float32(math.Inf(-1))
			}
		}
		mask[i] = row
	}

	return mask
}

func (c *Causal) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Causal) Get() (keys, values, mask [][]float32) {
	keyArena := c.keys[c.curLayer]
	valueArena := c.values[c.curLayer]
	if keyArena == nil || valueArena == nil {
		panic(fmt.Errorf("Get called before Put for layer %v", c.curLayer))
	}

	length := c.curCellRange.max - c.curCellRange.min + 1
	keys = make([][]float32, length)
	values = make([][]float32, length)
	for i := 0; i < length; i++ {
		keys[i] = keyArena.row(c.curCellRange.min + i)
		values[i] = valueArena.row(c.curCellRange.min + i)
	}

	return keys, values, c.curMask
}

func (c *Causal) Put(keys, values [][]float32) {
	if len(keys) != c.curBatchSize || len(values) != c.curBatchSize {
		panic(fmt.Errorf("inconsistent batch sizes (layer: %v, batch size: %v layer batch size: %v)", c.curLayer, c.curBatchSize, len(keys)))
	}

	if _, ok := c.keys[c.curLayer]; !ok {
		c.keys[c.curLayer] = newArena(c.dtype, len(keys[0]), c.capacity)
		c.values[c.curLayer] = newArena(c.dtype, len(values[0]), c.capacity)
	}

	for i := range keys {
		c.keys[c.curLayer].setRow(int(c.curLocs[i]), keys[i])
		c.values[c.curLayer].setRow(int(c.curLocs[i]), values[i])
	}
}

// Remove deletes positions in [beginIndex, endIndex), releasing their cells
// for reuse. Stored rows are left in place; masks never expose dead cells.
func (c *Causal) Remove(beginIndex, endIndex int32) error {
	if beginIndex < 0 || beginIndex > endIndex {
		return fmt.Errorf("invalid removal range [%v, %v)", beginIndex, endIndex)
	}

	bounds := newRange()
	for i := range c.cells {
		if !c.cells[i].used {
			continue
		}

		if c.cells[i].pos >= beginIndex && c.cells[i].pos < endIndex {
			c.cells[i] = cacheCell{}
			continue
		}

		bounds.min = min(bounds.min, i)
		bounds.max = max(bounds.max, i)
	}
	c.bounds = bounds

	return nil
}

func (c *Causal) Len() int {
	var n int
	for i := range c.cells {
		if c.cells[i].used {
			n++
		}
	}
	return n
}

func (c *Causal) MaxPosition() int32 {
	pos := int32(-1)
	for i := range c.cells {
		if c.cells[i].used {
			pos = max(pos, c.cells[i].pos)
		}
	}
	return pos
}
