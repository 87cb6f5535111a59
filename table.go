package norfat

import "log/slog"

// validate reads table sector tableIndex into the in-memory FAT image and
// checks its stored CRC. The CRC covers the region starting just past the
// highest non-blank commit slot through the end of the sector (invariant 6:
// the newest CRC lives at the highest non-blank slot).
func (fsys *FS) validate(tableIndex uint32) fatResult {
	if fr := fsys.diskRead(fsys.geom.sectorAddr(lba(tableIndex)), fsys.fat.data); fr != frOK {
		return fr
	}
	if slotIsBlank(fsys.fat.commitSlot(0)) {
		// Format always stamps a CRC into slot 0 before the sector is ever
		// programmed, so a blank slot 0 means this sector was never
		// formatted rather than merely corrupted.
		fsys.debug("table:validate:blank", slog.Uint64("table", uint64(tableIndex)))
		return frEmpty
	}
	j := fsys.fat.highestCommitSlot()
	fsys.trace("table:validate", slog.Uint64("table", uint64(tableIndex)), slog.Uint64("slot", uint64(j)))

	want, ok := decodeCRCHex(fsys.fat.commitSlot(j))
	if !ok {
		fsys.logerror("table:validate:bad-hex", slog.Uint64("table", uint64(tableIndex)))
		return frCRC
	}
	got := crc32Of(fsys.fat.crcRegionAfter(j))
	if got != want {
		fsys.logerror("table:validate:mismatch", slog.Uint64("table", uint64(tableIndex)),
			slog.String("want", string(fsys.fat.commitSlot(j))))
		return frCRC
	}
	fsys.debug("table:validate:match", slog.Uint64("table", uint64(tableIndex)))
	return frOK
}

// commit persists the current in-memory FAT image. When the commit ring
// still has room and forceSwap is false, it performs an incremental
// in-place update (no erase). Otherwise it rotates the active table pair
// forward by two sectors, which requires the only 0->1-capable operation in
// the whole design: a sector erase.
func (fsys *FS) commit(forceSwap bool) fatResult {
	j := fsys.fat.highestCommitSlot()
	if j == fsys.geom.CRCCount-1 || forceSwap {
		return fsys.rotationCommit()
	}
	return fsys.incrementalCommit(j)
}

func (fsys *FS) incrementalCommit(j uint32) fatResult {
	fsys.debug("table:commit:incremental", slog.Uint64("firstFAT", uint64(fsys.firstFAT)))
	slot := fsys.fat.commitSlot(j)
	for i := range slot {
		slot[i] = 0
	}
	crc := crc32Of(fsys.fat.crcRegionAfter(j + 1))
	hex := encodeCRCHex(crc)
	copy(fsys.fat.commitSlot(j+1), hex[:])

	primary := lba(fsys.firstFAT)
	secondary := lba((fsys.firstFAT + 1) % fsys.geom.TableCount)
	if fr := fsys.diskProgram(fsys.geom.sectorAddr(primary), fsys.fat.data); fr != frOK {
		return fr
	}
	if fr := fsys.diskProgram(fsys.geom.sectorAddr(secondary), fsys.fat.data); fr != frOK {
		return fr
	}
	return frOK
}

func (fsys *FS) rotationCommit() fatResult {
	swap1old := fsys.firstFAT
	swap2old := (fsys.firstFAT + 1) % fsys.geom.TableCount
	swap1new := (fsys.firstFAT + 2) % fsys.geom.TableCount
	swap2new := (fsys.firstFAT + 3) % fsys.geom.TableCount
	fsys.debug("table:commit:rotation", slog.Uint64("firstFAT", uint64(fsys.firstFAT)))

	fsys.fat.setSwapCount(fsys.fat.swapCount() + 1)
	for i := uint32(0); i < fsys.geom.CRCCount; i++ {
		slot := fsys.fat.commitSlot(i)
		for k := range slot {
			slot[k] = 0xFF
		}
	}
	crc := crc32Of(fsys.fat.crcRegionAfter(0))
	hex := encodeCRCHex(crc)
	copy(fsys.fat.commitSlot(0), hex[:])

	// First pair: erase, program, erase the sector it replaces.
	if fr := fsys.diskErase(fsys.geom.sectorAddr(lba(swap1new))); fr != frOK {
		return fr
	}
	if fr := fsys.diskProgram(fsys.geom.sectorAddr(lba(swap1new)), fsys.fat.data); fr != frOK {
		return fr
	}
	if fr := fsys.diskErase(fsys.geom.sectorAddr(lba(swap1old))); fr != frOK {
		return fr
	}
	// Second pair, same dance. At every point so far at least one of the
	// two live pairs is intact and CRC-valid, so a power loss here is
	// recoverable by Mount.
	if fr := fsys.diskErase(fsys.geom.sectorAddr(lba(swap2new))); fr != frOK {
		return fr
	}
	if fr := fsys.diskProgram(fsys.geom.sectorAddr(lba(swap2new)), fsys.fat.data); fr != frOK {
		return fr
	}
	if fr := fsys.diskErase(fsys.geom.sectorAddr(lba(swap2old))); fr != frOK {
		return fr
	}

	fsys.firstFAT = (fsys.firstFAT + 2) % fsys.geom.TableCount
	fsys.debug("table:commit:rotated", slog.Uint64("firstFAT", uint64(fsys.firstFAT)))
	return frOK
}
