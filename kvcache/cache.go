package kvcache

import (
	"errors"

	"github.com/chenwanqq/llava-go/model/input"
)

var (
	ErrKvCacheFull  = errors.New("could not find a kv cache slot")
	ErrNotSupported = errors.New("cache does not support operation")
)

type Cache interface {
	// ** used by decoder implementations **

	// SetLayer sets the active layer of the cache
	SetLayer(layer int)

	// Get returns the history of key and value rows for the active layer
	// plus an attention mask over that history, one row per batch entry.
	// Mask entries are 0 where attention applies and -Inf where it does not.
	Get() (keys, values, mask [][]float32)

	// Put stores a batch of key and value rows for the active layer, one
	// row per entry of the current forward pass.
	Put(keys, values [][]float32)

	// ** cache management **

	// Init sets the storage type and the maximum number of positions
	Init(dtype DType, capacity int)

	// Close frees the storage associated with the cache
	Close()

	// StartForward is called before the start of a forward pass. For each
	// row in the coming batch there must be a corresponding position.
	StartForward(batch input.Batch) error

	// Remove deletes positions in the range [beginIndex, endIndex).
	// Set endIndex to math.MaxInt32 to remove everything from beginIndex.
	Remove(beginIndex, endIndex int32) error

	// Len reports how many positions the cache currently holds
	Len() int

	// MaxPosition reports the highest stored position, or -1 when empty
	MaxPosition() int32
}
