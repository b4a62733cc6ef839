package runner

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chenwanqq/llava-go/api"
	"github.com/chenwanqq/llava-go/envconfig"
	"github.com/chenwanqq/llava-go/format"
	"github.com/chenwanqq/llava-go/kvcache"
	"github.com/chenwanqq/llava-go/model"
	"github.com/chenwanqq/llava-go/model/input"
	"github.com/chenwanqq/llava-go/sample"
)

// Engine serves generation requests over one loaded model. Each request gets
// its own session and cache slot; the engine only multiplexes admission and
// slot assignment.
type Engine struct {
	model model.Model
	proc  model.MultimodalProcessor

	cache *InputCache

	// limits in-flight requests to the slot count
	slotSem *semaphore.Weighted

	// serializes slot lookup and slot history updates
	mu sync.Mutex

	// seed for image content hashes, shared so hashes compare across
	// requests for prefix reuse
	hashSeed maphash.Seed
}

type EngineParams struct {
	// Parallel is the number of concurrent sessions, each with its own
	// cache slot. Defaults to 1.
	Parallel int

	// MultiUserCache selects best-fit instead of longest-prefix slot
	// assignment.
	MultiUserCache bool
}

func NewEngine(m model.Model, params EngineParams) (*Engine, error) {
	parallel := max(params.Parallel, 1)

	cfg := m.Config()

	// the environment wins over the model default
	kvCacheType := envconfig.KVCacheType()
	if kvCacheType == "" {
		kvCacheType = cfg.KVCacheType
	}
	if kvCacheType == "" {
		kvCacheType = "f16"
	}
	dtype, err := kvcache.ParseDType(kvCacheType)
	if err != nil {
		return nil, err
	}

	cache, err := NewInputCache(cfg.ContextLength, parallel, dtype, params.MultiUserCache)
	if err != nil {
		return nil, err
	}

	proc, _ := m.(model.MultimodalProcessor)

	return &Engine{
		model:    m,
		proc:     proc,
		cache:    cache,
		slotSem:  semaphore.NewWeighted(int64(parallel)),
		hashSeed: maphash.MakeSeed(),
	}, nil
}

func (e *Engine) Close() {
	e.cache.Close()
}

// inputs turns the marker sequence into expanded prompt entries: text tokens
// pass through, each image marker becomes its encoded embedding run. Images
// are matched to markers by id; every supplied image must be referenced by
// exactly the placeholders that name it.
func (e *Engine) inputs(ctx context.Context, markers []api.PromptMarker, images []api.ImageData) ([]input.Input, error) {
	var placeholders int
	for _, m := range markers {
		if m.Image != nil {
			placeholders++
		}
	}
	if placeholders != len(images) {
		return nil, fmt.Errorf("%w: %d placeholders, %d images", ErrPlaceholderCount, placeholders, len(images))
	}

	var prompt []input.Input
	for i, m := range markers {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("marker %d: %w", i, err)
		}

		if m.Token != nil {
			prompt = append(prompt, input.Input{Token: *m.Token})
			continue
		}

		var img *api.ImageData
		for j := range images {
			if images[j].ID == *m.Image {
				img = &images[j]
				break
			}
		}
		if img == nil {
			return nil, fmt.Errorf("%w: marker %d references unknown image %d", ErrPlaceholderCount, i, *m.Image)
		}

		if e.proc == nil {
			return nil, model.ErrNoVisionModel
		}

		mm, err := e.proc.EncodeMultimodal(ctx, img.Data)
		if err != nil {
			return nil, err
		}

		var vectors int
		for _, part := range mm {
			vectors += len(part.Embeddings)
		}
		slog.Debug("encoded image", "id", img.ID,
			"size", format.HumanBytes(int64(len(img.Data))),
			"vectors", format.HumanNumber(uint64(vectors)))

		prompt = append(prompt, input.Input{
			Multimodal:     mm,
			MultimodalHash: maphash.Bytes(e.hashSeed, img.Data),
		})
	}

	if e.proc != nil {
		return e.proc.PostTokenize(prompt)
	}
	return prompt, nil
}

// Complete runs one generation request, invoking fn for every streamed
// response chunk. The final chunk has Done set; on a decode failure the
// chunks streamed so far are the partial output and the error is returned.
func (e *Engine) Complete(ctx context.Context, req *api.GenerateRequest, fn func(api.GenerateResponse) error) error {
	if err := req.Validate(); err != nil {
		return err
	}

	opts := api.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	prefillStart := time.Now()

	prompt, err := e.inputs(ctx, req.Markers, req.Images)
	if err != nil {
		return err
	}
	if len(prompt) == 0 {
		return errors.New("no input provided")
	}

	prompt, err = truncate(prompt, e.cache.NumCtx(), opts.NumKeep)
	if err != nil {
		return err
	}

	if err := e.slotSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.slotSem.Release(1)

	e.mu.Lock()
	slot, remaining, err := e.cache.LoadCacheSlot(prompt)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	defer func() {
		e.mu.Lock()
		slot.InUse = false
		e.mu.Unlock()
	}()

	cfg := e.model.Config()

	session := NewSession(e.model.Decoder(), slot.Cache(), SessionParams{
		Sampler:      sample.New(opts.Temperature, opts.TopK, opts.TopP, opts.MinP, opts.Seed),
		Stop:         append(append([]int32{}, cfg.StopTokens...), opts.Stop...),
		MaxNewTokens: opts.NumPredict,
	})
	defer session.Close()

	seq, err := Assemble(e.model.Decoder(), remaining, int32(len(slot.Inputs)))
	if err != nil {
		return err
	}

	if err := session.Prefill(ctx, seq); err != nil {
		return err
	}

	e.mu.Lock()
	slot.Inputs = prompt
	e.mu.Unlock()

	prefillDuration := time.Since(prefillStart)
	decodeStart := time.Now()

	slog.Debug("prefill complete", "prompt", len(prompt), "prefilled", seq.Len(),
		"reused", len(prompt)-seq.Len(), "duration", prefillDuration)

	for {
		token, done, err := session.Step(ctx)

		if token >= 0 {
			// cached history grows by one per non-terminal step; the
			// terminal token is selected but never forwarded
			if !done {
				e.mu.Lock()
				slot.Inputs = append(slot.Inputs, input.Input{Token: token})
				e.mu.Unlock()
			}

			if sendErr := fn(api.GenerateResponse{Token: token}); sendErr != nil {
				session.Close()
				return sendErr
			}
		}

		if err != nil {
			return err
		}

		if done {
			return fn(api.GenerateResponse{
				Done:               true,
				DoneReason:         session.DoneReason(),
				PromptEvalCount:    len(prompt),
				PromptEvalDuration: prefillDuration,
				EvalCount:          len(session.Tokens()),
				EvalDuration:       time.Since(decodeStart),
			})
		}
	}
}
