//go:build !unix

package acoustic

import (
	"fmt"
	"os"
)

// readOrMap always copies on platforms without mmap support.
func readOrMap(path string, useMMap bool) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("acoustic: read %s: %w", path, err)
	}
	return data, false, nil
}

func unmap([]byte) {}
