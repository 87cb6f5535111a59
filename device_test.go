package norfat

import "fmt"

// memDevice is an in-memory BlockDevice, generalizing the teacher's
// BlockByteSlice mock: a flat byte slice standing in for NOR flash, with
// erase/program semantics enforced (program only clears bits; erase only
// sets bits).
type memDevice struct {
	data       []byte
	sectorSize uint32
	pageSize   uint32

	// killAfter, when > 0, makes the Nth remaining device call fail with an
	// I/O error, simulating a power loss mid-operation. Each call to
	// EraseSector/ProgramPage/Read decrements it.
	killAfter int
}

func newMemDevice(sectors int, sectorSize, pageSize uint32) *memDevice {
	d := &memDevice{
		data:       make([]byte, sectors*int(sectorSize)),
		sectorSize: sectorSize,
		pageSize:   pageSize,
	}
	for i := range d.data {
		d.data[i] = 0xFF
	}
	return d
}

func (d *memDevice) tick() error {
	if d.killAfter == 0 {
		return nil
	}
	d.killAfter--
	if d.killAfter == 0 {
		return fmt.Errorf("memDevice: simulated power loss")
	}
	return nil
}

func (d *memDevice) EraseSector(addr int64) error {
	if err := d.tick(); err != nil {
		return err
	}
	if addr%int64(d.sectorSize) != 0 {
		return fmt.Errorf("memDevice: unaligned erase at %d", addr)
	}
	for i := int64(0); i < int64(d.sectorSize); i++ {
		d.data[addr+i] = 0xFF
	}
	return nil
}

func (d *memDevice) ProgramPage(addr int64, buf []byte) error {
	if err := d.tick(); err != nil {
		return err
	}
	if addr%int64(d.pageSize) != 0 {
		return fmt.Errorf("memDevice: unaligned program at %d", addr)
	}
	if len(buf)%int(d.pageSize) != 0 {
		return fmt.Errorf("memDevice: program length %d not a page multiple", len(buf))
	}
	for i, b := range buf {
		cur := d.data[addr+int64(i)]
		if cur&b != b {
			return fmt.Errorf("memDevice: illegal 0->1 bit flip at %d", addr+int64(i))
		}
		d.data[addr+int64(i)] = cur & b
	}
	return nil
}

func (d *memDevice) Read(addr int64, buf []byte) error {
	if err := d.tick(); err != nil {
		return err
	}
	copy(buf, d.data[addr:addr+int64(len(buf))])
	return nil
}

func testGeometry() Geometry {
	return Geometry{
		SectorSize: 4096,
		PageSize:   256,
		Sectors:    32,
		TableCount: 4,
		CRCCount:   8,
	}
}
