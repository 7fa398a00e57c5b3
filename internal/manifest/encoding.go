package manifest

import (
	"encoding/binary"
	"fmt"
)

// Wire encoding: a fixed-width header followed by a repeated block
// entry — no reflection, no gob, caller pre-sizes the buffer with
// BinSize.
//
// header layout (little-endian):
//   volume_id       u64
//   coordinator_id  u64
//   file_id         u64
//   file_version    i64
//   size            u64
//   modtime.sec     i64
//   modtime.nsec    i32
//   block_size      u64
//   num_blocks      u32
// per block entry:
//   id              u64
//   version         i64
//   dirty           u8
//   hash_len        u16
//   hash            []byte
const headerSize = 8 + 8 + 8 + 8 + 8 + 8 + 4 + 8 + 4

// BinSize returns the exact number of bytes Encode will write.
func (m *Manifest) BinSize() int {
	size := headerSize
	for _, e := range m.blocks {
		size += 8 + 8 + 1 + 2 + len(e.info.Hash)
	}
	return size
}

// Encode writes m into buf, which must be at least BinSize() bytes,
// and returns the number of bytes written.
func (m *Manifest) Encode(buf []byte) int {
	off := 0
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	putI64 := func(v int64) { putU64(uint64(v)) }

	putU64(m.VolumeID)
	putU64(m.CoordinatorID)
	putU64(m.FileID)
	putI64(m.FileVersion)
	putU64(m.Size)
	putI64(m.ModTime.Sec)
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.ModTime.Nsec))
	off += 4
	putU64(m.BlockSize)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.blocks)))
	off += 4

	for _, e := range m.blocks {
		putU64(e.id)
		putI64(e.info.Version)
		if e.info.Dirty {
			buf[off] = 1
		} else {
			buf[off] = 0
		}
		off++
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.info.Hash)))
		off += 2
		off += copy(buf[off:], e.info.Hash)
	}
	return off
}

// Parse decodes a manifest previously written by Encode, returning
// the number of bytes consumed. Round-trip identity
// (Parse(Encode(M)) == M) is the law tested in manifest_test.go.
func Parse(buf []byte) (*Manifest, int, error) {
	if len(buf) < headerSize {
		return nil, 0, fmt.Errorf("manifest: buffer too short for header: %d bytes", len(buf))
	}
	off := 0
	getU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		return v
	}
	getI64 := func() int64 { return int64(getU64()) }

	m := &Manifest{}
	m.VolumeID = getU64()
	m.CoordinatorID = getU64()
	m.FileID = getU64()
	m.FileVersion = getI64()
	m.Size = getU64()
	m.ModTime.Sec = getI64()
	m.ModTime.Nsec = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	m.BlockSize = getU64()
	numBlocks := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	m.blocks = make([]entry, 0, numBlocks)
	m.index = make(map[BlockID]int, numBlocks)
	for i := uint32(0); i < numBlocks; i++ {
		if off+8+8+1+2 > len(buf) {
			return nil, 0, fmt.Errorf("manifest: truncated block entry %d", i)
		}
		id := getU64()
		version := getI64()
		dirty := buf[off] != 0
		off++
		hashLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+hashLen > len(buf) {
			return nil, 0, fmt.Errorf("manifest: truncated hash for block %d", id)
		}
		hash := make(Hash, hashLen)
		copy(hash, buf[off:off+hashLen])
		off += hashLen
		m.index[id] = len(m.blocks)
		m.blocks = append(m.blocks, entry{id: id, info: BlockInfo{Version: version, Hash: hash, Dirty: dirty}})
	}
	return m, off, nil
}
