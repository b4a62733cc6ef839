package runner

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/chenwanqq/llava-go/kvcache"
	"github.com/chenwanqq/llava-go/model/input"
)

// InputCache multiplexes a fixed number of KV cache slots across requests.
// Each slot owns one kvcache.Causal holding one sequence; a new request
// reuses the longest common prefix of a free slot instead of prefilling it
// from scratch.
type InputCache struct {
	// context window size (per slot)
	numCtx int

	slots []InputCacheSlot

	// optimize cache eviction for multiple users
	multiUserCache bool
}

// Locking: operations on InputCacheSlot (including finding one through
// LoadCacheSlot) require the engine's lock, serializing them with each other
// and with decode steps.

type InputCacheSlot struct {
	// Id identifies the slot in logs
	Id int

	// Inputs currently represented in the slot's KV cache
	Inputs []input.Input

	cache *kvcache.Causal

	// is this slot actively serving a sequence?
	InUse bool

	// last time this slot was used (as of start of processing)
	lastUsed time.Time
}

// Cache exposes the slot's KV cache for the session that holds the slot.
func (s *InputCacheSlot) Cache() kvcache.Cache { return s.cache }

func NewInputCache(numCtx, numSlots int, dtype kvcache.DType, multiUserCache bool) (*InputCache, error) {
	if numCtx < 1 {
		return nil, fmt.Errorf("context window must hold at least one entry (got %d)", numCtx)
	}
	if numSlots < 1 {
		return nil, fmt.Errorf("must have at least one cache slot (got %d)", numSlots)
	}

	slots := make([]InputCacheSlot, numSlots)
	for i := range slots {
		cache := kvcache.NewCausalCache()
		cache.Init(dtype, numCtx)
		slots[i] = InputCacheSlot{
			Id:     i,
			Inputs: make([]input.Input, 0),
			cache:  cache,
		}
	}

	return &InputCache{
		numCtx:         numCtx,
		slots:          slots,
		multiUserCache: multiUserCache,
	}, nil
}

func (c *InputCache) NumCtx() int { return c.numCtx }

func (c *InputCache) Close() {
	for i := range c.slots {
		c.slots[i].cache.Close()
	}
}

// LoadCacheSlot picks a slot for the prompt, drops whatever cached suffix
// does not match, and returns the slot plus the prompt remainder that still
// needs prefilling. At least one entry is always returned for processing so
// the first step has logits to sample from.
func (c *InputCache) LoadCacheSlot(prompt []input.Input) (*InputCacheSlot, []input.Input, error) {
	var slot *InputCacheSlot
	var numPast int
	var err error

	// In single-user scenarios the longest matching slot gives good hit
	// rates while reusing the same storage. With multiple users the
	// best-fit search trades that for cross-user hit rate.
	if !c.multiUserCache {
		slot, numPast, err = c.findLongestCacheSlot(prompt)
	} else {
		slot, numPast, err = c.findBestCacheSlot(prompt)
	}
	if err != nil {
		return nil, nil, err
	}

	slot.InUse = true
	slot.lastUsed = time.Now()

	if numPast == len(prompt) {
		// Leave one input to sample so we can get a response
		numPast--
	}

	// never resume from inside an image: the remainder must start at a
	// payload entry or a text token, not a position filler
	numPast = snapToUnit(prompt, numPast)

	if err := slot.cache.Remove(int32(numPast), math.MaxInt32); err != nil {
		return nil, nil, fmt.Errorf("clearing slot %d beyond position %d: %w", slot.Id, numPast, err)
	}

	slog.Debug("loading cache slot", "id", slot.Id, "cache", len(slot.Inputs), "prompt", len(prompt),
		"used", numPast, "remaining", len(prompt)-numPast)

	slot.Inputs = prompt[:numPast]

	return slot, prompt[numPast:], nil
}

func (c *InputCache) findLongestCacheSlot(prompt []input.Input) (*InputCacheSlot, int, error) {
	longest := -1
	var longestSlot *InputCacheSlot

	for i, s := range c.slots {
		if s.InUse {
			continue
		}

		count := countCommonPrefix(s.Inputs, prompt)
		if count > longest {
			longest = count
			longestSlot = &c.slots[i]
		}
	}

	if longestSlot == nil {
		return nil, 0, errors.New("no available cache slots")
	}

	return longestSlot, longest, nil
}

func (c *InputCache) findBestCacheSlot(prompt []input.Input) (*InputCacheSlot, int, error) {
	oldest := time.Now()
	var oldestSlot *InputCacheSlot

	longest := -1
	var longestSlot *InputCacheSlot

	for i, s := range c.slots {
		count := countCommonPrefix(s.Inputs, prompt)
		if count > longest {
			longest = count
			longestSlot = &c.slots[i]
		}

		if s.lastUsed.Compare(oldest) < 0 && !s.InUse {
			oldest = s.lastUsed
			oldestSlot = &c.slots[i]
		}
	}

	if longest == len(longestSlot.Inputs) && !longestSlot.InUse {
		return longestSlot, longest, nil
	}

	if oldestSlot == nil || oldestSlot.InUse {
		return nil, 0, errors.New("no available cache slots")
	}

	if len(oldestSlot.Inputs) != 0 {
		slog.Debug("evicting cache slot", "id", oldestSlot.Id, "inputs", len(oldestSlot.Inputs),
			"used", oldestSlot.lastUsed)
	}

	// the evicted slot starts cold: its cache holds another sequence
	if err := oldestSlot.cache.Remove(0, math.MaxInt32); err != nil {
		return nil, 0, err
	}
	oldestSlot.Inputs = oldestSlot.Inputs[:0]

	return oldestSlot, 0, nil
}

// snapToUnit moves a cut point down to the nearest unit boundary so it never
// lands between an image's payload entry and its fillers.
func snapToUnit(prompt []input.Input, n int) int {
	var i int
	for i < n {
		unit := 1
		if len(prompt[i].Multimodal) > 0 {
			unit = imageRun(prompt[i])
		}
		if i+unit > n {
			return i
		}
		i += unit
	}
	return n
}

// countCommonPrefix reports how many leading entries two prompts share.
// Image entries match on their content hash, not the embedding payload.
func countCommonPrefix(a []input.Input, b []input.Input) int {
	var count int

	for i := range a {
		if i >= len(b) {
			break
		}

		if a[i].Token != b[i].Token || a[i].MultimodalHash != b[i].MultimodalHash {
			break
		}

		count++
	}

	return count
}
