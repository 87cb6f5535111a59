package norfat

import "encoding/binary"

// Sector descriptor bit layout, packed into a single byte so that every
// legal state transition is a 1->0 bit flip (NOR flash can only clear
// bits without an erase). See SPEC_FULL.md §3.
const (
	maskAvailable uint8 = 1 << 0 // 1 = erased and free, 0 = in use or pending GC
	maskSOF       uint8 = 1 << 1 // 1 = start of file, 0 = not
	maskWrite     uint8 = 1 << 2 // 1 = being written, 0 = finalized
	maskActive    uint8 = 1 << 3 // 1 = part of a live chain, 0 = dead/garbage

	// sofMsk masks the four meaningful bits of base.
	sofMsk uint8 = maskAvailable | maskSOF | maskWrite | maskActive
	// sofMatch is the base pattern (masked by sofMsk) of a finalized, live
	// file head: not available, not being written, sof set, active set.
	sofMatch uint8 = maskSOF | maskActive

	// emptyMsk is a freshly erased descriptor: every bit set.
	emptyMsk uint8 = 0xFF
)

// eofSector is the next-pointer sentinel marking the end of a file chain.
const eofSector lba = 0xFFFF

const descriptorSize = 3 // 1 flag byte + 2-byte little-endian next index

// descriptor is a view over one sector descriptor's 3 raw bytes within the
// FAT image. It never copies; mutations write straight through to the FAT.
type descriptor struct {
	b []byte // len == descriptorSize
}

func (d descriptor) base() uint8 { return d.b[0] }

func (d descriptor) available() bool { return d.b[0]&maskAvailable != 0 }
func (d descriptor) sof() bool       { return d.b[0]&maskSOF != 0 }
func (d descriptor) writing() bool   { return d.b[0]&maskWrite != 0 }
func (d descriptor) active() bool    { return d.b[0]&maskActive != 0 }

func (d descriptor) isSOFMatch() bool { return d.b[0]&sofMsk == sofMatch }
func (d descriptor) isEmpty() bool    { return d.b[0] == emptyMsk }

// clearAvailable marks the sector allocated. Legal: available 1->0.
func (d descriptor) clearAvailable() { d.b[0] &^= maskAvailable }

// clearSOF marks the sector as not the start of a file. Legal: sof 1->0.
func (d descriptor) clearSOF() { d.b[0] &^= maskSOF }

// clearWrite marks the sector finalized. Legal: write 1->0.
func (d descriptor) clearWrite() { d.b[0] &^= maskWrite }

// markGarbage clears only the active bit, per the dead/awaiting-GC state in
// spec.md's data model. The original C source instead overwrites the whole
// base byte with a constant (NORFAT_IS_GARBAGE), which can attempt an
// illegal 0->1 flip if this descriptor's sof or write bits differ from that
// constant's; clearing a single bit is always legal regardless of prior
// state. See DESIGN.md.
func (d descriptor) markGarbage() { d.b[0] &^= maskActive }

// reset returns the descriptor to the freshly erased state. Only legal
// immediately after a physical sector erase (0->1 flips elsewhere are not).
func (d descriptor) reset() { d.b[0] = emptyMsk }

func (d descriptor) next() lba {
	return lba(binary.LittleEndian.Uint16(d.b[1:3]))
}

func (d descriptor) setNext(n lba) {
	binary.LittleEndian.PutUint16(d.b[1:3], uint16(n))
}

// fatImage is a byte-buffer-backed mirror of one sector-sized allocation
// table: a ring of commit slots, an array of sector descriptors, and two
// counters. Invariant 1 requires len(data) == geom.SectorSize exactly.
type fatImage struct {
	data []byte
	geom Geometry
}

func fatImageSize(g Geometry) uint32 {
	return g.CRCCount*crcHexLen + g.Sectors*descriptorSize + 8
}

func newFATImage(geom Geometry) *fatImage {
	f := &fatImage{
		data: make([]byte, geom.SectorSize),
		geom: geom,
	}
	f.reset()
	return f
}

// reset fills the image with the erased-flash pattern and zeroes the
// counters, as norfat_format does.
func (f *fatImage) reset() {
	for i := range f.data {
		f.data[i] = 0xFF
	}
	f.setSwapCount(0)
	f.setGarbageCount(0)
}

func (f *fatImage) commitOff() uint32 { return 0 }
func (f *fatImage) descOff() uint32   { return f.geom.CRCCount * crcHexLen }
func (f *fatImage) counterOff() uint32 {
	return f.descOff() + f.geom.Sectors*descriptorSize
}

// commitSlot returns the 8-byte view of commit slot i.
func (f *fatImage) commitSlot(i uint32) []byte {
	off := f.commitOff() + i*crcHexLen
	return f.data[off : off+crcHexLen]
}

// highestCommitSlot returns the highest-index slot that is not blank
// (all-ones), or 0 if every slot is blank. This is findCrcIndex in the C
// source.
func (f *fatImage) highestCommitSlot() uint32 {
	for i := f.geom.CRCCount - 1; i > 0; i-- {
		if !slotIsBlank(f.commitSlot(i)) {
			return i
		}
	}
	return 0
}

// descriptorAt returns a view over the descriptor for absolute sector s.
func (f *fatImage) descriptorAt(s lba) descriptor {
	off := f.descOff() + uint32(s)*descriptorSize
	return descriptor{b: f.data[off : off+descriptorSize]}
}

func (f *fatImage) swapCount() uint32 {
	return binary.LittleEndian.Uint32(f.data[f.counterOff():])
}

func (f *fatImage) setSwapCount(v uint32) {
	binary.LittleEndian.PutUint32(f.data[f.counterOff():], v)
}

func (f *fatImage) garbageCount() uint32 {
	return binary.LittleEndian.Uint32(f.data[f.counterOff()+4:])
}

func (f *fatImage) setGarbageCount(v uint32) {
	binary.LittleEndian.PutUint32(f.data[f.counterOff()+4:], v)
}

// crcRegionAfter returns the byte range over which the CRC stored in commit
// slot j is computed: from the start of slot j+1 through the end of the
// image.
func (f *fatImage) crcRegionAfter(j uint32) []byte {
	off := f.commitOff() + (j+1)*crcHexLen
	return f.data[off:]
}
