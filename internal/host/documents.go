package host

import (
	"os"
	"strings"
)

// FileDocuments reads source files from disk.
type FileDocuments struct{}

// Lines returns the lines of a file without line terminators.
func (FileDocuments) Lines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines, nil
}
