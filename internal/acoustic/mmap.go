//go:build unix

package acoustic

import (
	"fmt"
	"os"
	"syscall"
)

// readOrMap returns the file contents, memory-mapped read-only when
// requested and possible, otherwise copied into memory.
func readOrMap(path string, useMMap bool) ([]byte, bool, error) {
	if !useMMap {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("acoustic: read %s: %w", path, err)
		}
		return data, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("acoustic: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("acoustic: stat %s: %w", path, err)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()),
		syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		// Fall back to a plain read.
		plain, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, false, fmt.Errorf("acoustic: read %s: %w", path, rerr)
		}
		return plain, false, nil
	}
	return data, true, nil
}

func unmap(data []byte) {
	_ = syscall.Munmap(data)
}
