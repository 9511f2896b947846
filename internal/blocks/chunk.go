package blocks

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxChunkBytes is the serialized size ceiling of one chunk.
const DefaultMaxChunkBytes = 64000

// Chunk is one fragment of a session payload, tagged with its position so the
// hub can tolerate a chunk being delivered twice.
type Chunk struct {
	SessionID string
	Index     int
	Total     int
	Blocks    json.RawMessage
}

// Split groups blocks into chunks whose serialized JSON array, brackets and
// commas included, is at most maxBytes. Boundaries fall between blocks only;
// a single block larger than maxBytes travels alone in its own chunk.
func Split(blocks []Block, maxBytes int) ([][]Block, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}

	const brackets = 2

	var chunks [][]Block
	var current []Block
	size := brackets
	for i, b := range blocks {
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode block %d: %w", i, err)
		}
		s := len(encoded)
		if len(current) > 0 {
			if size+1+s > maxBytes {
				chunks = append(chunks, current)
				current = nil
				size = brackets
			} else {
				s++ // comma
			}
		}
		current = append(current, b)
		size += s
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks, nil
}

// EncodeChunks splits blocks and serializes every chunk as a JSON array.
func EncodeChunks(blocks []Block, maxBytes int) ([][]byte, error) {
	groups, err := Split(blocks, maxBytes)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(groups))
	for _, g := range groups {
		data, err := json.Marshal(g)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// DecodeChunk parses a serialized chunk back into blocks.
func DecodeChunk(data []byte) ([]Block, error) {
	var out []Block
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
