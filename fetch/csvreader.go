package fetch

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// CSVReader reads trace columns from an exported CSV file whose header
// row names the vendor-native trace keys. It satisfies TimeSeriesReader
// for locally staged test files.
type CSVReader struct {
	Path string
}

func (c CSVReader) ReadTraces(keys []string) (map[string][]float64, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read trace header: %w", err)
	}
	colIdx := make(map[string]int, len(keys))
	for _, k := range keys {
		for i, h := range header {
			if h == k {
				colIdx[k] = i
				break
			}
		}
	}

	out := make(map[string][]float64, len(colIdx))
	for k := range colIdx {
		out[k] = nil
	}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read trace row: %w", err)
		}
		for k, i := range colIdx {
			if i >= len(rec) {
				return nil, fmt.Errorf("trace file %s: short row", c.Path)
			}
			v, err := strconv.ParseFloat(rec[i], 64)
			if err != nil {
				return nil, fmt.Errorf("trace file %s: column %s: %w", c.Path, k, err)
			}
			out[k] = append(out[k], v)
		}
	}
	return out, nil
}
