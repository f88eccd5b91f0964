package protocol

// DefaultMaxBlockSize is the largest file_block write the service accepts
// unless configured otherwise.
const DefaultMaxBlockSize = 512

// ChunkImage splits an image into blocks of at most maxBytes. The blocks
// alias image. Returns nil for an empty image.
func ChunkImage(image []byte, maxBytes int) [][]byte {
	if len(image) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBlockSize
	}
	chunks := make([][]byte, 0, (len(image)+maxBytes-1)/maxBytes)
	for len(image) > 0 {
		n := min(maxBytes, len(image))
		chunks = append(chunks, image[:n:n])
		image = image[n:]
	}
	return chunks
}
