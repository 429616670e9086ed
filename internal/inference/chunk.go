package inference

// DefaultChunkSize bounds how many records go into a single request.
const DefaultChunkSize = 50

// Chunk splits items into contiguous chunks of size, preserving order. The
// last chunk may be shorter. A size of zero or less uses DefaultChunkSize.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
