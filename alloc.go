package norfat

import "log/slog"

// findEmptySector picks a pseudo-randomized starting point in the data
// area, scans forward (wrapping) for the first available descriptor, and
// clears its available bit in memory. The commit of that change to flash
// happens later, in fclose's commit. If nothing is free, it runs one
// garbage collection pass and rescans once before giving up with FULL.
func (fsys *FS) findEmptySector() (lba, fatResult) {
	start := lba(fsys.rng.UintN(uint64(fsys.geom.Sectors)))
	if start < lba(fsys.geom.TableCount) {
		start = lba(fsys.geom.Sectors / 2)
	}

	if s, ok := fsys.scanForAvailable(start); ok {
		return s, frOK
	}

	if fr := fsys.garbageCollect(); fr != frOK {
		return 0, fr
	}
	if s, ok := fsys.scanForAvailable(start); ok {
		return s, frOK
	}
	fsys.logerror("alloc:full")
	return 0, frFull
}

func (fsys *FS) scanForAvailable(start lba) (lba, bool) {
	for i := start; i < lba(fsys.geom.Sectors); i++ {
		if d := fsys.fat.descriptorAt(i); d.available() {
			d.clearAvailable()
			fsys.trace("alloc:found", slog.Uint64("sector", uint64(i)))
			return i, true
		}
	}
	for i := lba(fsys.geom.TableCount); i < start; i++ {
		if d := fsys.fat.descriptorAt(i); d.available() {
			d.clearAvailable()
			fsys.trace("alloc:found", slog.Uint64("sector", uint64(i)))
			return i, true
		}
	}
	return 0, false
}

// garbageCollect resets every inactive (active=0) descriptor to the
// erased-and-available state in memory, then force-commits the FAT so the
// reclamation survives a power loss. No physical erase is performed here:
// the reclaimed sectors are erased lazily, just before the first page is
// programmed into them by a future write. If nothing was reclaimed, FULL is
// returned and no commit happens.
func (fsys *FS) garbageCollect() fatResult {
	collected := false
	for i := lba(fsys.geom.TableCount); i < lba(fsys.geom.Sectors); i++ {
		d := fsys.fat.descriptorAt(i)
		if !d.active() {
			d.reset()
			collected = true
		}
	}
	if !collected {
		fsys.debug("alloc:gc:nothing-to-collect")
		return frFull
	}
	fsys.fat.setGarbageCount(fsys.fat.garbageCount() + 1)
	fsys.debug("alloc:gc:collected", slog.Uint64("garbageCount", uint64(fsys.fat.garbageCount())))
	return fsys.commit(true)
}
