// Package treeio writes and reads compressed snapshots of a global octree
// for offline inspection.
package treeio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/DataDog/zstd"
	"github.com/notargets/sfcdomain/octree"
	"github.com/notargets/sfcdomain/sfc"
	"io"
	"os"
)

const (
	magic   uint32 = 0x53464354 // "SFCT"
	version uint32 = 1

	// CompressionLevel is the zstd level used for snapshots
	CompressionLevel = 1
)

// ErrFormat is returned for data that is not a tree snapshot
var ErrFormat = errors.New("invalid tree snapshot")

// Snapshot is a global tree with its per-leaf counts
type Snapshot struct {
	Tree   []sfc.Key
	Counts []uint32
}

type header struct {
	Magic   uint32
	Version uint32
	NLeaves uint64
}

// Write encodes the tree and counts and writes them zstd compressed, prefixed
// by the compressed length
func Write(w io.Writer, tree []sfc.Key, counts []uint32) error {
	if err := octree.Validate(tree); err != nil {
		return fmt.Errorf("tree snapshot: %w", err)
	}
	if len(counts) != octree.NumLeaves(tree) {
		return fmt.Errorf("tree snapshot: %d counts for %d leaves", len(counts), octree.NumLeaves(tree))
	}
	raw := new(bytes.Buffer)
	hdr := header{Magic: magic, Version: version, NLeaves: uint64(len(counts))}
	for _, v := range []any{hdr, tree, counts} {
		if err := binary.Write(raw, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("tree snapshot: %w", err)
		}
	}
	buf, err := zstd.CompressLevel(nil, raw.Bytes(), CompressionLevel)
	if err != nil {
		return fmt.Errorf("tree snapshot compression: %w", err)
	}
	if err = binary.Write(w, binary.LittleEndian, int64(len(buf))); err != nil {
		return fmt.Errorf("tree snapshot: %w", err)
	}
	if _, err = w.Write(buf); err != nil {
		return fmt.Errorf("tree snapshot: %w", err)
	}
	return nil
}

// Read decodes a snapshot written by Write and validates the tree
func Read(r io.Reader) (*Snapshot, error) {
	var nBuf int64
	if err := binary.Read(r, binary.LittleEndian, &nBuf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if nBuf <= 0 {
		return nil, fmt.Errorf("%w: compressed size %d", ErrFormat, nBuf)
	}
	buf := make([]byte, nBuf)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	raw, err := zstd.Decompress(nil, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	rd := bytes.NewReader(raw)
	var hdr header
	if err = binary.Read(rd, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if hdr.Magic != magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrFormat, hdr.Magic)
	}
	if hdr.Version != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, hdr.Version)
	}
	// 12 bytes per leaf plus the closing key
	if uint64(rd.Len()) != 12*hdr.NLeaves+8 {
		return nil, fmt.Errorf("%w: %d payload bytes for %d leaves", ErrFormat, rd.Len(), hdr.NLeaves)
	}
	s := &Snapshot{
		Tree:   make([]sfc.Key, hdr.NLeaves+1),
		Counts: make([]uint32, hdr.NLeaves),
	}
	if err = binary.Read(rd, binary.LittleEndian, s.Tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err = binary.Read(rd, binary.LittleEndian, s.Counts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err = octree.Validate(s.Tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return s, nil
}

// Save writes a snapshot to a file
func Save(path string, tree []sfc.Key, counts []uint32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = Write(f, tree, counts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a snapshot from a file
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
