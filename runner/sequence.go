package runner

import (
	"errors"
	"fmt"

	"github.com/chenwanqq/llava-go/model"
	"github.com/chenwanqq/llava-go/model/input"
)

var (
	// ErrPlaceholderCount reports a prompt whose image placeholder count
	// does not match the number of supplied images.
	ErrPlaceholderCount = errors.New("image placeholder count does not match supplied images")

	// ErrContextOverflow reports a prompt that cannot be truncated to the
	// context limit without cutting into the protected suffix.
	ErrContextOverflow = errors.New("prompt exceeds context length and the latest turn cannot be preserved")
)

// CombinedSequence is the decoder-ready form of one prompt: text and image
// embeddings interleaved in marker order with a parallel attention mask and
// dense position ids.
type CombinedSequence struct {
	Embeddings [][]float32

	// Mask marks positions that participate in attention. Assembled
	// positions are all true; only right padding added by PadTo is false.
	Mask []bool

	Positions []int32
}

func (s CombinedSequence) Len() int { return len(s.Positions) }

// PadTo right-pads the sequence to length n with masked-out zero rows, for
// batching alongside longer sequences. Padding never attends and is never
// sampled from.
func (s CombinedSequence) PadTo(n int) CombinedSequence {
	for s.Len() < n {
		var width int
		if len(s.Embeddings) > 0 {
			width = len(s.Embeddings[0])
		}
		s.Embeddings = append(s.Embeddings, make([]float32, width))
		s.Mask = append(s.Mask, false)

		var pos int32
		if len(s.Positions) > 0 {
			pos = s.Positions[len(s.Positions)-1] + 1
		}
		s.Positions = append(s.Positions, pos)
	}
	return s
}

// imageRun reports the number of prompt entries one image occupies: the
// payload entry plus its position fillers.
func imageRun(inp input.Input) int {
	var n int
	for _, mm := range inp.Multimodal {
		n += len(mm.Embeddings)
	}
	return n
}

// truncate drops prompt entries from the left until the prompt fits numCtx.
//
// The cut point never bisects an image: when it would land inside one, the
// whole image is dropped and truncation continues after it. The trailing
// numKeep entries are protected; a cut that would reach them fails instead
// of silently dropping mid-turn content. numKeep < 0 protects everything.
func truncate(inputs []input.Input, numCtx, numKeep int) ([]input.Input, error) {
	if len(inputs) <= numCtx {
		return inputs, nil
	}

	if numKeep < 0 || numKeep > len(inputs) {
		numKeep = len(inputs)
	}
	if numKeep > numCtx {
		return nil, fmt.Errorf("%w: keep %d, context %d", ErrContextOverflow, numKeep, numCtx)
	}

	discard := len(inputs) - numCtx
	limit := len(inputs) - numKeep

	var cut int
	for cut < discard {
		// advance one whole unit: a text token, or an image's full run
		unit := 1
		if len(inputs[cut].Multimodal) > 0 {
			unit = imageRun(inputs[cut])
		}
		cut += unit
	}

	if cut > limit {
		return nil, fmt.Errorf("%w: cut %d reaches into the protected last %d entries", ErrContextOverflow, cut, numKeep)
	}

	return inputs[cut:], nil
}

// Assemble embeds the expanded prompt entries into one combined sequence.
// Position ids run densely from startPos, which is nonzero when a cached
// prefix of the prompt is being reused.
func Assemble(dec model.TextDecoder, inputs []input.Input, startPos int32) (CombinedSequence, error) {
	if len(inputs) == 0 {
		return CombinedSequence{}, errors.New("no prompt entries to assemble")
	}

	seq := CombinedSequence{
		Embeddings: make([][]float32, 0, len(inputs)),
		Mask:       make([]bool, 0, len(inputs)),
		Positions:  make([]int32, 0, len(inputs)),
	}

	for i := 0; i < len(inputs); {
		inp := inputs[i]

		if len(inp.Multimodal) == 0 {
			// gather the whole text run for one Embed call
			j := i
			for j < len(inputs) && len(inputs[j].Multimodal) == 0 {
				j++
			}

			tokens := make([]int32, j-i)
			for k := i; k < j; k++ {
				tokens[k-i] = inputs[k].Token
			}

			rows, err := dec.Embed(tokens)
			if err != nil {
				return CombinedSequence{}, fmt.Errorf("embedding text tokens: %w", err)
			}
			if len(rows) != len(tokens) {
				return CombinedSequence{}, fmt.Errorf("embedding table returned %d rows for %d tokens", len(rows), len(tokens))
			}

			seq.Embeddings = append(seq.Embeddings, rows...)
			i = j
			continue
		}

		run := imageRun(inp)
		if run == 0 {
			return CombinedSequence{}, model.ErrEmptyImageFeatures
		}
		if i+run > len(inputs) {
			return CombinedSequence{}, fmt.Errorf("image spans %d entries but only %d remain: image was split", run, len(inputs)-i)
		}

		// the payload entry carries every row; the fillers after it only
		// reserve their positions
		for _, mm := range inp.Multimodal {
			seq.Embeddings = append(seq.Embeddings, mm.Embeddings...)
		}
		i += run
	}

	for i := range seq.Embeddings {
		seq.Mask = append(seq.Mask, true)
		seq.Positions = append(seq.Positions, startPos+int32(i))
	}

	return seq, nil
}
