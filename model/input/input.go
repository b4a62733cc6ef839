package input

// Multimodal is the merged embedding sequence for one image, or a component
// of one such as a tile row that can be handled independently.
type Multimodal struct {
	// Embeddings holds one vector per image token. Every vector has the
	// decoder's hidden width.
	Embeddings [][]float32

	// Data is implementation-specific opaque data, such as the source
	// coordinates of the embedding rows. It may be nil if not needed.
	Data any
}

// Input represents one element of the prompt stream, either a text token or
// a multimodal payload attached to a placeholder token.
type Input struct {
	// Token is a single element of text.
	Token int32

	// Multimodal is a non-text element such as an image. When set, the
	// token marks the placeholder position the payload replaces.
	Multimodal []Multimodal

	// MultimodalHash is a unique representation of the data stored in
	// Multimodal, used for comparing equality during prefix reuse.
	MultimodalHash uint64
}

// Batch is the input to one decoder forward pass: a window of the
// assembled sequence.
type Batch struct {
	// Embeddings is one row per entry in the window, text and image rows
	// alike.
	Embeddings [][]float32

	// Positions is the position id for each row. Equal in length to
	// Embeddings.
	Positions []int32
}
