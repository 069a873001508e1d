package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/google/uuid"

	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/internal/storage"
	"github.com/seanblong/docrag/pkg/models"
)

// Artifact layout, little-endian:
//
//	vectors:  "DRVX" u16 version, [16]byte build id, u32 dim, u32 count,
//	          count*dim float32, u32 crc32
//	metadata: "DRMT" u16 version, [16]byte build id, u32 rows,
//	          rows * (uvarint-prefixed chunk_id, document_id, title, url,
//	          category, text; uvarint sequence_index, char_start, char_end),
//	          u32 crc32
//
// The checksum covers every byte before it.
const (
	formatVersion = 1

	vecHeaderLen  = 4 + 2 + 16 + 4 + 4
	metaHeaderLen = 4 + 2 + 16 + 4
	crcLen        = 4
)

var (
	vecMagic  = [4]byte{'D', 'R', 'V', 'X'}
	metaMagic = [4]byte{'D', 'R', 'M', 'T'}
)

// Persist writes the index as a vector blob and metadata table pair.
func (ix *Index) Persist(ctx context.Context, w storage.Writer) error {
	if ix == nil {
		return errs.ErrNotReady
	}
	return w.WritePair(ctx, storage.VectorsName, storage.MetadataName, ix.Encode)
}

// Load reads an artifact pair from r. Nothing is returned unless both
// artifacts decode and agree with each other.
func Load(ctx context.Context, r storage.Reader) (*Index, error) {
	if pr, ok := r.(storage.PairReader); ok {
		vec, meta, err := pr.OpenPair(ctx, storage.VectorsName, storage.MetadataName)
		if err != nil {
			return nil, fmt.Errorf("open index artifacts: %w", err)
		}
		defer vec.Close()
		defer meta.Close()
		return Decode(vec, meta)
	}
	vec, err := r.Open(ctx, storage.VectorsName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", storage.VectorsName, err)
	}
	defer vec.Close()
	meta, err := r.Open(ctx, storage.MetadataName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", storage.MetadataName, err)
	}
	defer meta.Close()
	return Decode(vec, meta)
}

// Encode serializes the index into the two artifact writers.
func (ix *Index) Encode(vec, meta io.Writer) error {
	if err := writeVectors(vec, ix.buildID, ix.dim, len(ix.metas), ix.vectors); err != nil {
		return fmt.Errorf("encode vectors: %w", err)
	}
	if err := writeMeta(meta, ix.buildID, ix.metas); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return nil
}

// Decode is the inverse of Encode.
func Decode(vec, meta io.Reader) (*Index, error) {
	vb, err := io.ReadAll(vec)
	if err != nil {
		return nil, fmt.Errorf("read vectors: %w", err)
	}
	mb, err := io.ReadAll(meta)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	vid, dim, count, vectors, err := readVectors(vb)
	if err != nil {
		return nil, err
	}
	mid, metas, err := readMeta(mb)
	if err != nil {
		return nil, err
	}
	if vid != mid {
		return nil, errs.Corrupt("vector blob build %s does not match metadata build %s", vid, mid)
	}
	if count != len(metas) {
		return nil, errs.Corrupt("vector blob holds %d vectors but metadata has %d rows", count, len(metas))
	}
	return &Index{buildID: vid, dim: dim, vectors: vectors, metas: metas}, nil
}

func writeVectors(w io.Writer, id uuid.UUID, dim, count int, vectors []float32) error {
	if len(vectors) != dim*count {
		return fmt.Errorf("have %d floats for %d vectors of dimension %d", len(vectors), count, dim)
	}
	var buf bytes.Buffer
	buf.Grow(vecHeaderLen + 4*len(vectors) + crcLen)
	buf.Write(vecMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint16(formatVersion))
	buf.Write(id[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dim))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(count))
	var f [4]byte
	for _, v := range vectors {
		binary.LittleEndian.PutUint32(f[:], math.Float32bits(v))
		buf.Write(f[:])
	}
	_ = binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))
	_, err := w.Write(buf.Bytes())
	return err
}

func readVectors(b []byte) (uuid.UUID, int, int, []float32, error) {
	var id uuid.UUID
	if len(b) < vecHeaderLen+crcLen {
		return id, 0, 0, nil, errs.Corrupt("vector blob truncated (%d bytes)", len(b))
	}
	if !bytes.Equal(b[:4], vecMagic[:]) {
		return id, 0, 0, nil, errs.Corrupt("vector blob has bad magic %q", b[:4])
	}
	if v := binary.LittleEndian.Uint16(b[4:6]); v != formatVersion {
		return id, 0, 0, nil, errs.Corrupt("vector blob version %d is not supported", v)
	}
	copy(id[:], b[6:22])
	dim := uint64(binary.LittleEndian.Uint32(b[22:26]))
	count := uint64(binary.LittleEndian.Uint32(b[26:30]))
	if count > 0 && dim == 0 {
		return id, 0, 0, nil, errs.Corrupt("vector blob holds %d vectors of dimension 0", count)
	}
	if count > 0 && dim > uint64(len(b))/4/count {
		return id, 0, 0, nil, errs.Corrupt("vector blob claims %d vectors of dimension %d in %d bytes", count, dim, len(b))
	}
	want := uint64(vecHeaderLen) + 4*dim*count + crcLen
	if uint64(len(b)) != want {
		return id, 0, 0, nil, errs.Corrupt("vector blob is %d bytes, expected %d", len(b), want)
	}
	if err := checkCRC(b, "vector blob"); err != nil {
		return id, 0, 0, nil, err
	}
	vectors := make([]float32, dim*count)
	body := b[vecHeaderLen : len(b)-crcLen]
	for i := range vectors {
		vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:]))
	}
	return id, int(dim), int(count), vectors, nil
}

func writeMeta(w io.Writer, id uuid.UUID, metas []models.ChunkMeta) error {
	var buf bytes.Buffer
	buf.Write(metaMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint16(formatVersion))
	buf.Write(id[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(metas)))
	var tmp [binary.MaxVarintLen64]byte
	putUvarint := func(x uint64) {
		n := binary.PutUvarint(tmp[:], x)
		buf.Write(tmp[:n])
	}
	putString := func(s string) {
		putUvarint(uint64(len(s)))
		buf.WriteString(s)
	}
	for _, m := range metas {
		putString(m.ChunkID)
		putString(m.DocumentID)
		putString(m.Title)
		putString(m.URL)
		putString(m.Category)
		putString(m.Text)
		putUvarint(uint64(m.SequenceIndex))
		putUvarint(uint64(m.CharStart))
		putUvarint(uint64(m.CharEnd))
	}
	_ = binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))
	_, err := w.Write(buf.Bytes())
	return err
}

var errShortRow = errors.New("row truncated")

func readMeta(b []byte) (uuid.UUID, []models.ChunkMeta, error) {
	var id uuid.UUID
	if len(b) < metaHeaderLen+crcLen {
		return id, nil, errs.Corrupt("metadata table truncated (%d bytes)", len(b))
	}
	if !bytes.Equal(b[:4], metaMagic[:]) {
		return id, nil, errs.Corrupt("metadata table has bad magic %q", b[:4])
	}
	if v := binary.LittleEndian.Uint16(b[4:6]); v != formatVersion {
		return id, nil, errs.Corrupt("metadata table version %d is not supported", v)
	}
	if err := checkCRC(b, "metadata table"); err != nil {
		return id, nil, err
	}
	copy(id[:], b[6:22])
	rows := int(binary.LittleEndian.Uint32(b[22:26]))

	body := b[metaHeaderLen : len(b)-crcLen]
	uvarint := func() (uint64, error) {
		x, n := binary.Uvarint(body)
		if n <= 0 {
			return 0, errShortRow
		}
		body = body[n:]
		return x, nil
	}
	str := func() (string, error) {
		n, err := uvarint()
		if err != nil {
			return "", err
		}
		if n > uint64(len(body)) {
			return "", errShortRow
		}
		s := string(body[:n])
		body = body[n:]
		return s, nil
	}

	// Each row takes at least nine bytes; cap the allocation by what the
	// payload could possibly hold.
	metas := make([]models.ChunkMeta, 0, min(rows, len(body)/9+1))
	seen := make(map[string]struct{}, cap(metas))
	for i := 0; i < rows; i++ {
		var m models.ChunkMeta
		var err error
		for _, dst := range []*string{&m.ChunkID, &m.DocumentID, &m.Title, &m.URL, &m.Category, &m.Text} {
			if *dst, err = str(); err != nil {
				return id, nil, errs.Corrupt("metadata row %d: %v", i, err)
			}
		}
		for _, dst := range []*int{&m.SequenceIndex, &m.CharStart, &m.CharEnd} {
			x, err := uvarint()
			if err != nil {
				return id, nil, errs.Corrupt("metadata row %d: %v", i, err)
			}
			*dst = int(x)
		}
		if _, dup := seen[m.ChunkID]; dup {
			return id, nil, errs.Corrupt("metadata row %d repeats chunk id %s", i, m.ChunkID)
		}
		seen[m.ChunkID] = struct{}{}
		metas = append(metas, m)
	}
	if len(body) != 0 {
		return id, nil, errs.Corrupt("metadata table has %d trailing bytes", len(body))
	}
	return id, metas, nil
}

func checkCRC(b []byte, what string) error {
	n := len(b) - crcLen
	if got, want := crc32.ChecksumIEEE(b[:n]), binary.LittleEndian.Uint32(b[n:]); got != want {
		return errs.Corrupt("%s checksum mismatch", what)
	}
	return nil
}
