package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// WeightsFileName is the serialized parameter file inside a model dir.
	WeightsFileName = "model.bin"

	weightsMagic = uint32(0x564e3354) // "VN3T"
)

var (
	ErrNoCheckpoint    = errors.New("no checkpoint found")
	ErrBadWeightsFile  = errors.New("malformed weights file")
	ErrMissingTensor   = errors.New("weights file is missing a tensor")
	ErrTensorShape     = errors.New("tensor shape mismatch")
	ErrUnknownTensor   = errors.New("weights file contains an unknown tensor")
	errWeightsTooShort = fmt.Errorf("%w: truncated", ErrBadWeightsFile)
)

// SavePretrained writes the model configuration and every parameter tensor
// (adapters included, when attached) into dir, creating it if needed.
func SavePretrained(net Network, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if err := net.Config().Save(dir); err != nil {
		return err
	}
	return writeWeights(filepath.Join(dir, WeightsFileName), net.Parameters())
}

// LoadWeights copies tensors from dir into an already constructed network,
// matching by name. Every network parameter must be present in the file.
func LoadWeights(net Network, dir string) error {
	stored, err := readWeights(filepath.Join(dir, WeightsFileName))
	if err != nil {
		return err
	}
	for _, p := range net.Parameters() {
		src, ok := stored[p.Name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingTensor, p.Name)
		}
		if src.Rows != p.Rows || src.Cols != p.Cols {
			return fmt.Errorf("%w: %s is [%d,%d] on disk, [%d,%d] in model",
				ErrTensorShape, p.Name, src.Rows, src.Cols, p.Rows, p.Cols)
		}
		copy(p.Data, src.Data)
		delete(stored, p.Name)
	}
	for name := range stored {
		return fmt.Errorf("%w: %s", ErrUnknownTensor, name)
	}
	return nil
}

// FromPretrained builds a network from the config stored in dir and loads
// its weights. The architecture is resolved from the stored config, never
// guessed.
func FromPretrained(dir string, seed int64) (Network, error) {
	cfg, err := ConfigFromPretrained(dir)
	if err != nil {
		return nil, err
	}
	net, err := Build(cfg, seed)
	if err != nil {
		return nil, err
	}
	if err := LoadWeights(net, dir); err != nil {
		return nil, err
	}
	return net, nil
}

func writeWeights(path string, params []*Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if err := binary.Write(w, binary.LittleEndian, weightsMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(params))); err != nil {
		return err
	}
	for _, p := range params {
		name := []byte(p.Name)
		if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
			return err
		}
		if _, err := w.Write(name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(p.Rows)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(p.Cols)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, p.Data); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func readWeights(path string) (map[string]*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic, count uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, errWeightsTooShort
	}
	if magic != weightsMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrBadWeightsFile, magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, errWeightsTooShort
	}

	tensors := make(map[string]*Tensor, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, errWeightsTooShort
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, errWeightsTooShort
		}
		var rows, cols uint32
		if err := binary.Read(r, binary.LittleEndian, &rows); err != nil {
			return nil, errWeightsTooShort
		}
		if err := binary.Read(r, binary.LittleEndian, &cols); err != nil {
			return nil, errWeightsTooShort
		}
		t := NewTensor(string(name), int(rows), int(cols))
		if err := binary.Read(r, binary.LittleEndian, t.Data); err != nil {
			return nil, errWeightsTooShort
		}
		tensors[t.Name] = t
	}
	return tensors, nil
}

// CheckpointDir names the step checkpoint directory under an output dir.
func CheckpointDir(outputDir string, step int) string {
	return filepath.Join(outputDir, fmt.Sprintf("checkpoint-%d", step))
}

// LastCheckpoint scans outputDir for checkpoint-N subdirectories and returns
// the path with the highest step. ErrNoCheckpoint when none exist.
func LastCheckpoint(outputDir string) (string, int, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, ErrNoCheckpoint
		}
		return "", 0, fmt.Errorf("failed to scan output directory: %w", err)
	}
	best := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rest, ok := strings.CutPrefix(e.Name(), "checkpoint-")
		if !ok {
			continue
		}
		step, err := strconv.Atoi(rest)
		if err != nil || step < 0 {
			continue
		}
		if step > best {
			best = step
		}
	}
	if best < 0 {
		return "", 0, ErrNoCheckpoint
	}
	return CheckpointDir(outputDir, best), best, nil
}
