package inference

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/image-classifier/internal/errdefs"
)

// LoadLabels reads a label vocabulary from path. Files ending in .json hold
// a JSON array of strings; anything else is one label per line.
func LoadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read labels: %w", errdefs.ErrModelLoad, err)
	}
	return ParseLabels(data, strings.EqualFold(filepath.Ext(path), ".json"))
}

// ParseLabels parses a vocabulary. Line positions are class indices, so
// blank lines inside the list are kept; trailing blank lines are not.
func ParseLabels(data []byte, isJSON bool) ([]string, error) {
	var labels []string
	if isJSON {
		if err := json.Unmarshal(data, &labels); err != nil {
			return nil, fmt.Errorf("%w: parse labels: %w", errdefs.ErrModelLoad, err)
		}
	} else {
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			labels = append(labels, strings.TrimSpace(sc.Text()))
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("%w: scan labels: %w", errdefs.ErrModelLoad, err)
		}
		for len(labels) > 0 && labels[len(labels)-1] == "" {
			labels = labels[:len(labels)-1]
		}
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: empty label vocabulary", errdefs.ErrModelLoad)
	}
	return labels, nil
}
