package host

import "fmt"

const maxBlockSize = 4 * 1024 * 1024

// ringSize computes TPACKET_V3 ring geometry close to the requested budget.
//
// PACKET_MMAP requires:
//  1. blockSize a multiple of pageSize
//  2. blockSize a multiple of frameSize
//  3. frameSize >= snapLen so one frame fits a slot
func ringSize(bufferMB, blockKB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	if bufferMB <= 0 {
		return 0, 0, 0, fmt.Errorf("buffer size must be positive, got %d MB", bufferMB)
	}
	if blockKB <= 0 {
		return 0, 0, 0, fmt.Errorf("block size must be positive, got %d KB", blockKB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snapLen must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return 0, 0, 0, fmt.Errorf("pageSize must be a positive power of two, got %d", pageSize)
	}

	// A frame is either an exact divisor of a page or a whole number of pages.
	if snapLen < pageSize {
		frameSize = pageSize / (pageSize / snapLen)
	} else {
		frameSize = (snapLen/pageSize + 1) * pageSize
	}

	unit := lcm(pageSize, frameSize)
	target := blockKB * 1024
	if target > maxBlockSize {
		target = maxBlockSize
	}
	blockSize = (target / unit) * unit
	if blockSize < unit {
		blockSize = unit
	}

	numBlocks = bufferMB * 1024 * 1024 / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks, nil
}

// gcd computes the greatest common divisor of two integers
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// lcm computes the least common multiple of two integers
func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return (a * b) / gcd(a, b)
}
