package annindex

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
)

var magic = [4]byte{'K', 'L', 'N', 'I'}

const formatVersion = uint16(1)

// saveGraph serializes g to path using the write-new-file-then-rename
// pattern so a reader never observes a half-written index.
func saveGraph(g *Graph, path string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tmp := path + fmt.Sprintf(".tmp-%d", rand.Int63())
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	w := &binaryWriter{w: f}
	w.write(magic)
	w.writeU16(formatVersion)
	w.writeU32(uint32(g.dimension))
	w.writeU32(uint32(len(g.nodes)))
	w.writeU32(g.entryPoint)
	w.writeU8(uint8(g.maxLayer))
	w.writeU16(uint16(g.m))
	w.writeU16(uint16(g.efConstruction))
	w.writeU16(uint16(g.efSearch))

	for _, n := range g.nodes {
		w.writeString(n.externalID)
		w.writeU8(uint8(len(n.neighbors)))
		w.writeU16(uint16(len(n.vec)))
		for _, v := range n.vec {
			w.writeF32(v)
		}
		for _, layer := range n.neighbors {
			w.writeU16(uint16(len(layer)))
			for _, nb := range layer {
				w.writeU32(nb)
			}
		}
	}

	if w.err == nil {
		w.err = f.Sync()
	}
	if cerr := f.Close(); w.err == nil {
		w.err = cerr
	}
	if w.err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, w.err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// loadGraph deserializes a graph previously written by saveGraph. A missing
// file is not an error: it means the index has never been flushed, and the
// caller should start from an empty graph.
func loadGraph(path string, m, efConstruction, efSearch int) (*Graph, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := &binaryReader{r: f}

	var got [4]byte
	r.read(&got)
	if got != magic {
		return nil, fmt.Errorf("%s: bad magic, index file is corrupt", path)
	}
	version := r.readU16()
	if version != formatVersion {
		return nil, fmt.Errorf("%s: unsupported index format version %d", path, version)
	}

	dimension := int(r.readU32())
	nodeCount := r.readU32()
	entryPoint := r.readU32()
	maxLayer := int(r.readU8())
	gm := int(r.readU16())
	gEfC := int(r.readU16())
	gEfS := int(r.readU16())
	if r.err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, r.err)
	}

	nodes := make([]graphNode, nodeCount)
	byExternal := make(map[string]uint32, nodeCount)
	for i := range nodes {
		extID := r.readString()
		layerCount := int(r.readU8())
		vecLen := int(r.readU16())
		vec := make([]float32, vecLen)
		for j := range vec {
			vec[j] = r.readF32()
		}
		neighbors := make([][]uint32, layerCount)
		for l := range neighbors {
			nbCount := int(r.readU16())
			neighbors[l] = make([]uint32, nbCount)
			for j := range neighbors[l] {
				neighbors[l][j] = r.readU32()
			}
		}
		nodes[i] = graphNode{vec: vec, neighbors: neighbors, externalID: extID}
		byExternal[extID] = uint32(i)
	}
	if r.err != nil {
		return nil, fmt.Errorf("%s: read nodes: %w", path, r.err)
	}

	if m <= 0 {
		m = gm
	}
	if efConstruction <= 0 {
		efConstruction = gEfC
	}
	if efSearch <= 0 {
		efSearch = gEfS
	}

	g := &Graph{
		nodes:          nodes,
		entryPoint:     entryPoint,
		maxLayer:       maxLayer,
		dimension:      dimension,
		m:              m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		ml:             1.0 / math.Log(float64(m)),
		rng:            rand.New(rand.NewSource(42)),
		byExternal:     byExternal,
	}
	return g, nil
}

func ensureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

type binaryWriter struct {
	w   io.Writer
	err error
}

func (bw *binaryWriter) write(v interface{}) {
	if bw.err != nil {
		return
	}
	bw.err = binary.Write(bw.w, binary.LittleEndian, v)
}
func (bw *binaryWriter) writeU8(v uint8)    { bw.write(v) }
func (bw *binaryWriter) writeU16(v uint16)  { bw.write(v) }
func (bw *binaryWriter) writeU32(v uint32)  { bw.write(v) }
func (bw *binaryWriter) writeF32(v float32) { bw.write(v) }
func (bw *binaryWriter) writeString(s string) {
	bw.writeU16(uint16(len(s)))
	if bw.err != nil {
		return
	}
	_, bw.err = io.WriteString(bw.w, s)
}

type binaryReader struct {
	r   io.Reader
	err error
}

func (br *binaryReader) read(v interface{}) {
	if br.err != nil {
		return
	}
	br.err = binary.Read(br.r, binary.LittleEndian, v)
}
func (br *binaryReader) readU8() uint8 {
	var v uint8
	br.read(&v)
	return v
}
func (br *binaryReader) readU16() uint16 {
	var v uint16
	br.read(&v)
	return v
}
func (br *binaryReader) readU32() uint32 {
	var v uint32
	br.read(&v)
	return v
}
func (br *binaryReader) readF32() float32 {
	var v float32
	br.read(&v)
	return v
}
func (br *binaryReader) readString() string {
	n := br.readU16()
	if br.err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(br.r, buf)
	if err != nil {
		br.err = err
		return ""
	}
	return string(buf)
}
