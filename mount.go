package norfat

import (
	"bytes"
	"fmt"
	"log/slog"
	"math/rand/v2"

	humanize "github.com/dustin/go-humanize"
	multierror "github.com/hashicorp/go-multierror"
)

// findFirstFAT implements norfat_mount's ring scan: classify every table
// sector as blank or non-blank, then walk the ring from index 0 looking for
// the first blank-to-non-blank transition. That transition point is the
// start of the live generation.
//
// This matters across a crash mid-rotationCommit: the swap sequence always
// erases and programs sectors in the same fixed order, so at any crash
// point the ring holds at most one blank-to-non-blank transition, and it
// always lands on a generation whose fclose already returned successfully.
// Picking the first CRC-valid half found in ascending order instead (the
// old approach here) can mount a generation whose commit never returned.
func (fsys *FS) findFirstFAT() (uint32, fatResult) {
	T := fsys.geom.TableCount
	blank := make([]bool, T)
	anyNonBlank := false
	for i := uint32(0); i < T; i++ {
		b, fr := fsys.isBlankTable(i)
		if fr != frOK {
			return 0, fr
		}
		blank[i] = b
		if !b {
			anyNonBlank = true
		}
	}
	if !anyNonBlank {
		return 0, frEmpty
	}
	for x := uint32(0); x < T; x++ {
		prev := (x + T - 1) % T
		if blank[prev] && !blank[x] {
			return x, frOK
		}
	}
	// Every sector is non-blank: no transition exists. commit/rotationCommit
	// never leave the ring in this state on their own, so treat it as
	// corrupt rather than guess at a starting point.
	fsys.logerror("mount:no-ring-transition")
	return 0, frCorrupt
}

// isBlankTable reports whether table sector i has ever been programmed,
// without decoding the rest of the sector: a cheap probe of commit slot 0,
// the same signal validate uses to distinguish "never formatted" from
// merely corrupt.
func (fsys *FS) isBlankTable(i uint32) (bool, fatResult) {
	buf := fsys.buff[:crcHexLen]
	if fr := fsys.diskRead(fsys.geom.sectorAddr(lba(i)), buf); fr != frOK {
		return false, fr
	}
	return slotIsBlank(buf), frOK
}

// resyncMirror re-establishes a consistent mirrored pair after Mount has
// had to fall back to a single surviving table copy. stale may be blank
// (the common case: an interrupted rotation never reached it) or may hold
// a different, newer generation whose commit never returned. Either way, a
// byte-for-byte mismatch against the now-authoritative image means the
// next incremental commit could attempt an illegal 0->1 flip against
// it, so force one full rotation to rewrite it from a clean erase.
func (fsys *FS) resyncMirror(stale uint32) fatResult {
	tmp := fsys.buff[:fsys.geom.SectorSize]
	if fr := fsys.diskRead(fsys.geom.sectorAddr(lba(stale)), tmp); fr != frOK {
		return fr
	}
	if bytes.Equal(tmp, fsys.fat.data) {
		return frOK
	}
	fsys.debug("mount:resync", slog.Uint64("stale", uint64(stale)))
	return fsys.commit(true)
}

// Mount reads the allocation table from dev and brings up an FS handle.
// firstFAT is located via the ring scan (findFirstFAT); its first half is
// validated, and on a CRC or blank failure the second half is validated
// instead (invariant 2). A mismatch between the two after mounting is
// repaired with a forced rotation before Mount returns.
func Mount(dev BlockDevice, geom Geometry) (*FS, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	fsys := newFS(dev, geom)

	x, fr := fsys.findFirstFAT()
	if fr == frEmpty {
		fsys.logerror("mount:blank")
		return nil, ErrEmpty
	}
	if fr != frOK {
		return nil, fr.toErr()
	}
	other := (x + 1) % geom.TableCount

	var errs *multierror.Error
	goodIndex := uint32(0)
	found := false
	for _, candidate := range [2]uint32{x, other} {
		vr := fsys.validate(candidate)
		switch vr {
		case frOK:
			goodIndex = candidate
			found = true
		case frCRC, frEmpty:
			errs = multierror.Append(errs, fmt.Errorf("table sector %d: %w", candidate, vr.toErr()))
		default:
			return nil, vr.toErr()
		}
		if found {
			break
		}
	}
	if !found {
		fsys.logerror("mount:all-tables-failed", slog.String("err", errs.Error()))
		return nil, errs.ErrorOrNil()
	}

	fsys.firstFAT = x
	fsys.mounted = true
	fsys.info("mount:ok", slog.Uint64("firstFAT", uint64(x)), slog.Uint64("validSector", uint64(goodIndex)))

	stale := other
	if goodIndex == other {
		stale = x
	}
	if fr := fsys.resyncMirror(stale); fr != frOK {
		return nil, fr.toErr()
	}
	return fsys, nil
}

// Format erases and reinitializes the allocation table, discarding any
// existing files, and returns a freshly mounted FS.
func Format(dev BlockDevice, geom Geometry) (*FS, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	fsys := newFS(dev, geom)
	fsys.fat.reset()

	crc := crc32Of(fsys.fat.crcRegionAfter(0))
	hex := encodeCRCHex(crc)
	copy(fsys.fat.commitSlot(0), hex[:])

	for i := lba(0); i < lba(geom.TableCount); i++ {
		if fr := fsys.diskErase(geom.sectorAddr(i)); fr != frOK {
			return nil, fr.toErr()
		}
	}
	if fr := fsys.diskProgram(geom.sectorAddr(0), fsys.fat.data); fr != frOK {
		return nil, fr.toErr()
	}
	if fr := fsys.diskProgram(geom.sectorAddr(1), fsys.fat.data); fr != frOK {
		return nil, fr.toErr()
	}

	fsys.firstFAT = 0
	fsys.mounted = true
	fsys.info("format:ok")
	return fsys, nil
}

func newFS(dev BlockDevice, geom Geometry) *FS {
	return &FS{
		geom:   geom,
		device: dev,
		fat:    newFATImage(geom),
		buff:   make([]byte, geom.SectorSize),
		rng:    rand.New(rand.NewPCG(uint64(geom.Sectors), uint64(geom.SectorSize))),
	}
}

// Info summarizes the mounted volume's usage and health for diagnostics.
type Info struct {
	Files            int
	BytesUsed        uint64
	BytesFree        uint64
	BytesReclaimable uint64
	SwapCount        uint32
	GarbageCount     uint32
}

// String renders Info with human-readable byte counts.
func (i Info) String() string {
	return fmt.Sprintf("files=%d used=%s free=%s reclaimable=%s swaps=%d gc=%d",
		i.Files, humanize.Bytes(i.BytesUsed), humanize.Bytes(i.BytesFree),
		humanize.Bytes(i.BytesReclaimable), i.SwapCount, i.GarbageCount)
}

// Info walks every data descriptor once to report current usage. It never
// mutates the FAT image.
func (fsys *FS) Info() Info {
	info := Info{
		SwapCount:    fsys.fat.swapCount(),
		GarbageCount: fsys.fat.garbageCount(),
	}
	sectorBytes := uint64(fsys.geom.SectorSize)
	for i := lba(fsys.geom.TableCount); i < lba(fsys.geom.Sectors); i++ {
		d := fsys.fat.descriptorAt(i)
		switch {
		case d.available():
			info.BytesFree += sectorBytes
		case !d.active():
			info.BytesReclaimable += sectorBytes
		default:
			info.BytesUsed += sectorBytes
			if d.isSOFMatch() {
				info.Files++
			}
		}
	}
	return info
}

// Reclaim runs an on-demand garbage collection pass: every data descriptor
// whose active bit is clear is returned to the available state and the
// table is rotated. It is not performed automatically by Mount. Sectors
// allocated by a write that never reached Close still have their active
// bit set, so Reclaim does not sweep them.
func (fsys *FS) Reclaim() error {
	fr := fsys.garbageCollect()
	if fr == frFull {
		return nil // nothing to collect is not an error
	}
	return fr.toErr()
}
