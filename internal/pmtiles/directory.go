package pmtiles

import (
	"bytes"
	"encoding/binary"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// Entry addresses either a run of tiles (RunLength >= 1) or, with
// RunLength == 0, a leaf directory. Offsets are relative to the tile data
// or leaf directory section respectively.
type Entry struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// deserializeDirectory decodes a columnar varint directory: entry count,
// delta-encoded tile ids, run lengths, lengths, then offsets where zero
// means "contiguous with the previous entry".
func deserializeDirectory(data []byte) ([]Entry, error) {
	r := bytes.NewReader(data)

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArchiveFormat, err, "directory entry count")
	}
	entries := make([]Entry, count)

	var lastID uint64
	for i := range entries {
		delta, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArchiveFormat, err, "directory tile id")
		}
		lastID += delta
		entries[i].TileID = lastID
	}
	for i := range entries {
		rl, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArchiveFormat, err, "directory run length")
		}
		entries[i].RunLength = uint32(rl)
	}
	for i := range entries {
		l, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArchiveFormat, err, "directory length")
		}
		entries[i].Length = uint32(l)
	}
	for i := range entries {
		off, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArchiveFormat, err, "directory offset")
		}
		if off == 0 {
			if i == 0 {
				return nil, apperr.New(apperr.KindInvalidArchiveFormat,
					"first directory entry has contiguous offset")
			}
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = off - 1
		}
	}
	return entries, nil
}

// serializeDirectory encodes entries in the columnar varint layout. Entries
// must be sorted by TileID.
func serializeDirectory(entries []Entry) []byte {
	var buf bytes.Buffer
	tmp := make([]byte, binary.MaxVarintLen64)

	put := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		buf.Write(tmp[:n])
	}

	put(uint64(len(entries)))
	var lastID uint64
	for _, e := range entries {
		put(e.TileID - lastID)
		lastID = e.TileID
	}
	for _, e := range entries {
		put(uint64(e.RunLength))
	}
	for _, e := range entries {
		put(uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			put(0)
		} else {
			put(e.Offset + 1)
		}
	}
	return buf.Bytes()
}

// findEntry locates the entry covering tileID: the last entry whose TileID
// is <= the target, accepted when it is a leaf pointer or the target falls
// within its run.
func findEntry(entries []Entry, tileID uint64) (Entry, bool) {
	lo, hi := 0, len(entries)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if entries[mid].TileID <= tileID {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best < 0 {
		return Entry{}, false
	}
	e := entries[best]
	if e.RunLength == 0 {
		return e, true
	}
	if tileID-e.TileID < uint64(e.RunLength) {
		return e, true
	}
	return Entry{}, false
}
