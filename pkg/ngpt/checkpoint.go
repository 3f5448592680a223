package ngpt

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Ext is the checkpoint file extension.
const Ext = ".ngpt"

var checkpointMagic = [4]byte{'N', 'G', 'P', 'T'}

const (
	checkpointVersion = 1
	maxHeaderBytes    = 1 << 20
)

// Header describes a checkpoint without its tensor payload. The
// payload is the concatenation of all parameter tensors in
// Parameters() order, little-endian float64.
type Header struct {
	Config Config `json:"config"`
	Params int64  `json:"params"`
}

// Save writes the model to path, replacing any existing file only
// after the new checkpoint is fully written.
func (m *Model) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ngpt-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriterSize(tmp, 1<<20)
	err = m.writeCheckpoint(w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (m *Model) writeCheckpoint(w io.Writer) error {
	if _, err := w.Write(checkpointMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(checkpointVersion)); err != nil {
		return err
	}

	hdr := Header{Config: m.cfg, Params: m.ParamCount()}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(hdrBytes))); err != nil {
		return err
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return err
	}

	buf := make([]byte, 8)
	for _, p := range m.Parameters() {
		for _, v := range p.Data() {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	hdr, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	m, err := New(hdr.Config)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if got := m.ParamCount(); got != hdr.Params {
		return nil, fmt.Errorf("checkpoint %s: parameter count %d does not match config (%d)", path, hdr.Params, got)
	}

	buf := make([]byte, 8)
	for _, p := range m.Parameters() {
		data := p.Data()
		for i := range data {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("checkpoint %s: truncated tensor data: %w", path, err)
			}
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		}
	}
	return m, nil
}

// ReadHeader reads only the checkpoint header, leaving the tensor
// payload untouched.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	hdr, err := readHeader(bufio.NewReader(f))
	if err != nil {
		return Header{}, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	return hdr, nil
}

func readHeader(r io.Reader) (Header, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Header{}, err
	}
	if magic != checkpointMagic {
		return Header{}, fmt.Errorf("bad magic %q, not a model checkpoint", magic[:])
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return Header{}, err
	}
	if version != checkpointVersion {
		return Header{}, fmt.Errorf("unsupported checkpoint version %d", version)
	}

	var hdrLen uint32
	if err := binary.Read(r, binary.LittleEndian, &hdrLen); err != nil {
		return Header{}, err
	}
	if hdrLen == 0 || hdrLen > maxHeaderBytes {
		return Header{}, fmt.Errorf("implausible header length %d", hdrLen)
	}

	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdrBytes); err != nil {
		return Header{}, err
	}
	var hdr Header
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return Header{}, fmt.Errorf("decode header: %w", err)
	}
	return hdr, nil
}
