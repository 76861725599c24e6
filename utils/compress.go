package utils

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"
)

// MinCompressionSavings is the fraction of bytes compression must save to be worth storing compressed
const MinCompressionSavings = 0.10

// CompressBytes compresses the input using gzip with BestCompression level.
// Returns base64 encoded string for safe storage in JSON/BoltDB.
func CompressBytes(input []byte) (string, error) {
	var buf bytes.Buffer
	gzipWriter, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := gzipWriter.Write(input); err != nil {
		return "", err
	}
	if err := gzipWriter.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecompressBytes reverses CompressBytes.
func DecompressBytes(input string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return nil, err
	}
	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gzipReader.Close()
	return io.ReadAll(gzipReader)
}

// WorthCompressing reports whether a compressed size saves at least MinCompressionSavings of the original
func WorthCompressing(originalSize, compressedSize int) bool {
	if originalSize == 0 {
		return false
	}
	saved := float64(originalSize-compressedSize) / float64(originalSize)
	return saved >= MinCompressionSavings
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
