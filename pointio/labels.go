package pointio

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// ReadLabels reads one integer label per line. Blank lines are ignored.
// A missing file yields ErrNoLabels so callers can treat the cloud as
// unlabeled test data; an existing empty file yields a non-nil empty slice.
func ReadLabels(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNoLabels)
		}
		return nil, err
	}
	defer f.Close()

	labels := []int{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		v, err := strconv.Atoi(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid label %q", path, line, text)
		}
		labels = append(labels, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return labels, nil
}

// WriteLabels writes labels one per line.
func WriteLabels(path string, labels []int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output file cannot be created: %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, l := range labels {
		w.WriteString(strconv.Itoa(l))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
