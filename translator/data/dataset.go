package data

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Dataset loading errors. A missing path is a configuration mistake and is
// reported as such; any other failure carries the underlying cause. Loading
// never swallows errors: a split either loads fully or the run stops.
var (
	ErrDataPathNotFound = errors.New("data path not found")
	ErrEmptySplit       = errors.New("dataset split contains no rows")
)

// Row is a raw bilingual record keyed by language code, e.g. {"en": ..., "vi": ...}.
type Row map[string]string

// Example is a single directional translation pair.
type Example struct {
	Inputs  string `json:"inputs"`
	Targets string `json:"targets"`
}

// Dataset is a materialized list of directional examples.
type Dataset struct {
	examples []Example
}

func NewDataset(examples []Example) *Dataset { return &Dataset{examples: examples} }

func (d *Dataset) Len() int            { return len(d.examples) }
func (d *Dataset) At(i int) Example    { return d.examples[i] }
func (d *Dataset) Examples() []Example { return d.examples }

// Select returns a dataset truncated to the first n examples.
func (d *Dataset) Select(n int) *Dataset {
	if n > len(d.examples) {
		n = len(d.examples)
	}
	return &Dataset{examples: d.examples[:n]}
}

// TokenizedExample holds fixed-length token tensors for one example. All
// three slices share the configured maximum length; label padding positions
// carry the ignore sentinel instead of the PAD id.
type TokenizedExample struct {
	InputIDs      []int
	AttentionMask []int
	Labels        []int
}

// TokenizedDataset is a materialized tokenized split.
type TokenizedDataset struct {
	examples []TokenizedExample
}

func NewTokenizedDataset(examples []TokenizedExample) *TokenizedDataset {
	return &TokenizedDataset{examples: examples}
}

func (d *TokenizedDataset) Len() int                     { return len(d.examples) }
func (d *TokenizedDataset) At(i int) TokenizedExample    { return d.examples[i] }
func (d *TokenizedDataset) Examples() []TokenizedExample { return d.examples }

// Splits groups the tokenized train and validation sets. Either may be nil
// when the corresponding source was not configured.
type Splits struct {
	Train      *TokenizedDataset
	Validation *TokenizedDataset
}

// splitFiles lists the JSONL shards of one keyed subset of a serialized
// dataset directory, in stable order.
func splitFiles(dataPath, key string) ([]string, error) {
	if _, err := os.Stat(dataPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDataPathNotFound, dataPath)
		}
		return nil, fmt.Errorf("failed to access %s: %w", dataPath, err)
	}
	splitDir := filepath.Join(dataPath, key)
	if _, err := os.Stat(splitDir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s (expected a %q subset)", ErrDataPathNotFound, splitDir, key)
		}
		return nil, fmt.Errorf("failed to access %s: %w", splitDir, err)
	}
	matches, err := filepath.Glob(filepath.Join(splitDir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", splitDir, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no *.jsonl files under %s", ErrEmptySplit, splitDir)
	}
	sort.Strings(matches)
	return matches, nil
}

// LoadFromDisk loads the keyed subset of a serialized dataset directory.
// Rows must already carry directional inputs/targets columns.
func LoadFromDisk(dataPath, key string) (*Dataset, error) {
	files, err := splitFiles(dataPath, key)
	if err != nil {
		return nil, err
	}
	var examples []Example
	for _, file := range files {
		if err := readJSONL(file, func(line []byte) error {
			var ex Example
			if err := json.Unmarshal(line, &ex); err != nil {
				return err
			}
			examples = append(examples, ex)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to load dataset shard %s: %w", file, err)
		}
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrEmptySplit, dataPath, key)
	}
	return NewDataset(examples), nil
}

func readJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

// RowReader streams bilingual rows out of a JSONL file without materializing
// the whole set. Next returns io.EOF at the end of the file.
type RowReader struct {
	f      *os.File
	sc     *bufio.Scanner
	lineNo int
}

func OpenRows(path string) (*RowReader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDataPathNotFound, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &RowReader{f: f, sc: sc}, nil
}

func (r *RowReader) Next() (Row, error) {
	for r.sc.Scan() {
		r.lineNo++
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", r.f.Name(), r.lineNo, err)
		}
		return row, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *RowReader) Close() error { return r.f.Close() }

// TakeRows materializes at most n rows from a JSONL file. n <= 0 means all.
func TakeRows(path string, n int) ([]Row, error) {
	rd, err := OpenRows(path)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	var rows []Row
	for n <= 0 || len(rows) < n {
		row, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySplit, path)
	}
	return rows, nil
}
