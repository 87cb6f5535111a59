package norfat

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"log/slog"
	"time"
)

// Mode selects the access mode for Open, matching spec.md's
// {READ, WRITE, ZERO_COPY} flag set.
type Mode uint8

const (
	ModeRead     Mode = 1 << iota // sequential read; file must exist
	ModeWrite                     // append-only write; creates or replaces
	ModeZeroCopy                  // read directly into the caller's buffer
)

const (
	maxNameLen = 32
	headerSize = maxNameLen + 4 + 4 + 4 // name, fileLen, timeStamp, crc
)

// fileHeader is the first page of a file's start sector.
type fileHeader struct {
	name      [maxNameLen]byte
	fileLen   uint32
	timeStamp uint32
	crc       uint32
}

func (h *fileHeader) nameString() string {
	n := 0
	for n < len(h.name) && h.name[n] != 0 {
		n++
	}
	return string(h.name[:n])
}

func (h *fileHeader) setName(name string) fatResult {
	if len(name) == 0 || len(name) >= maxNameLen {
		return frInvalidName
	}
	for i := range h.name {
		h.name[i] = 0
	}
	copy(h.name[:], name)
	return frOK
}

func (h *fileHeader) marshal(buf []byte) {
	copy(buf[0:maxNameLen], h.name[:])
	binary.LittleEndian.PutUint32(buf[maxNameLen:], h.fileLen)
	binary.LittleEndian.PutUint32(buf[maxNameLen+4:], h.timeStamp)
	binary.LittleEndian.PutUint32(buf[maxNameLen+8:], h.crc)
}

func (h *fileHeader) unmarshal(buf []byte) {
	copy(h.name[:], buf[0:maxNameLen])
	h.fileLen = binary.LittleEndian.Uint32(buf[maxNameLen:])
	h.timeStamp = binary.LittleEndian.Uint32(buf[maxNameLen+4:])
	h.crc = binary.LittleEndian.Uint32(buf[maxNameLen+8:])
}

// invalidSector marks "no sector yet" / "no old file to replace", distinct
// from the descriptor next-pointer's 16-bit eofSector sentinel.
const invalidSector lba = 0xFFFFFFFF

// File is an open file handle. It exclusively owns its header copy; Close
// releases it. A non-zero-copy read borrows the FS's scratch buffer, so a
// caller must not interleave reads across two handles of the same FS.
type File struct {
	fs            *FS
	flags         Mode
	header        fileHeader
	startSector   lba
	currentSector lba
	oldFileSector lba
	rwPosInSector uint32
	position      uint32
	errored       bool
	closed        bool
	crcHash       hash.Hash32 // running CRC while writing
}

// Open opens name under the given mode. ModeRead requires the file to
// already exist. ModeWrite creates the file if absent or replaces it
// atomically on Close if present.
func (fsys *FS) Open(name string, mode Mode) (*File, error) {
	if !fsys.mounted {
		return nil, ErrEmpty
	}
	if mode&(ModeRead|ModeWrite) == 0 || mode&^(ModeRead|ModeWrite|ModeZeroCopy) != 0 {
		return nil, ErrInvalidMode
	}
	f, fr := fsys.open(name, mode)
	if fr != frOK {
		return nil, fr.toErr()
	}
	return f, nil
}

func (fsys *FS) open(name string, mode Mode) (*File, fatResult) {
	found, sector, fr := fsys.fileSearch(name)
	if fr != frOK && fr != frNotFound {
		return nil, fr
	}

	if mode&ModeRead != 0 {
		if fr == frNotFound {
			return nil, frNotFound
		}
		fsys.debug("file:open:read", slog.String("name", name))
		return &File{
			fs:            fsys,
			flags:         mode,
			header:        found,
			startSector:   sector,
			currentSector: sector,
			oldFileSector: invalidSector,
			rwPosInSector: fsys.geom.PageSize,
		}, frOK
	}

	// Write: create or replace.
	file := &File{
		fs:            fsys,
		flags:         mode,
		startSector:   invalidSector,
		currentSector: invalidSector,
		oldFileSector: invalidSector,
	}
	if fr == frOK {
		file.header = found
		file.oldFileSector = sector
		fsys.debug("file:open:write:replace", slog.String("name", name), slog.Uint64("oldSector", uint64(sector)))
	} else {
		if r := file.header.setName(name); r != frOK {
			return nil, r
		}
		fsys.debug("file:open:write:new", slog.String("name", name))
	}
	return file, frOK
}

// fileSearch scans the data area for a finalized file head whose header
// name matches. It always reads through the FS scratch buffer, per §5.
func (fsys *FS) fileSearch(name string) (fileHeader, lba, fatResult) {
	for i := lba(fsys.geom.TableCount); i < lba(fsys.geom.Sectors); i++ {
		d := fsys.fat.descriptorAt(i)
		if !d.isSOFMatch() {
			continue
		}
		if fr := fsys.diskRead(fsys.geom.sectorAddr(i), fsys.buff[:headerSize]); fr != frOK {
			return fileHeader{}, 0, fr
		}
		var h fileHeader
		h.unmarshal(fsys.buff[:headerSize])
		if h.nameString() == name {
			return h, i, frOK
		}
	}
	return fileHeader{}, 0, frNotFound
}

// Write appends len(buf) bytes to the file, allocating and erasing new
// sectors as needed. On allocator exhaustion the handle is marked errored;
// its partial chain is reclaimed when Close is called.
func (f *File) Write(buf []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.flags&ModeWrite == 0 {
		return 0, ErrInvalidMode
	}
	if f.errored {
		return 0, ErrFull
	}
	n, fr := f.write(buf)
	if fr != frOK {
		return n, fr.toErr()
	}
	return n, nil
}

func (f *File) write(buf []byte) (int, fatResult) {
	fsys := f.fs
	geom := fsys.geom

	if f.currentSector == invalidSector {
		s, fr := fsys.findEmptySector()
		if fr != frOK {
			f.errored = true
			return 0, fr
		}
		if fr := fsys.diskErase(geom.sectorAddr(s)); fr != frOK {
			return 0, fr
		}
		f.startSector = s
		f.currentSector = s
		f.rwPosInSector = geom.PageSize
		f.crcHash = crc32.NewIEEE()
		fsys.debug("file:write:new-sector", slog.Uint64("sector", uint64(s)))
	}

	written := 0
	for len(buf) > 0 {
		writeable := geom.SectorSize - f.rwPosInSector
		if writeable == 0 {
			next, fr := fsys.findEmptySector()
			if fr != frOK {
				f.errored = true
				return written, fr
			}
			if fr := fsys.diskErase(geom.sectorAddr(next)); fr != frOK {
				return written, fr
			}
			fsys.fat.descriptorAt(f.currentSector).setNext(next)
			fsys.fat.descriptorAt(next).clearSOF()
			f.currentSector = next
			writeable = geom.SectorSize
			f.rwPosInSector = 0
		}

		offset := f.rwPosInSector % geom.PageSize
		blockAddr := geom.sectorAddr(f.currentSector) + int64(f.rwPosInSector-offset)

		chunk := uint32(len(buf))
		if chunk > writeable {
			chunk = writeable
		}

		pageBuf := fsys.buff[:0]
		if offset != 0 {
			pageBuf = append(pageBuf, onesOf(int(offset))...)
		}
		pageBuf = append(pageBuf, buf[:chunk]...)
		if rem := uint32(len(pageBuf)) % geom.PageSize; rem != 0 {
			pageBuf = append(pageBuf, onesOf(int(geom.PageSize-rem))...)
		}

		if fr := fsys.diskProgram(blockAddr, pageBuf); fr != frOK {
			return written, fr
		}
		f.crcHash.Write(buf[:chunk])
		f.position += chunk
		f.rwPosInSector += chunk
		written += int(chunk)
		buf = buf[chunk:]
	}
	return written, frOK
}

var onesBuf = func() []byte {
	b := make([]byte, 4096)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}()

func onesOf(n int) []byte {
	for n > len(onesBuf) {
		onesBuf = append(onesBuf, 0xFF)
	}
	return onesBuf[:n]
}

// Read fills buf with up to len(buf) bytes, following the chain across
// sector boundaries as needed, stopping at end of file.
func (f *File) Read(buf []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.flags&ModeRead == 0 {
		return 0, ErrInvalidMode
	}
	n, fr := f.read(buf)
	if fr != frOK {
		return n, fr.toErr()
	}
	return n, nil
}

func (f *File) read(buf []byte) (int, fatResult) {
	fsys := f.fs
	geom := fsys.geom
	read := 0
	for len(buf) > 0 {
		readable := geom.SectorSize - f.rwPosInSector
		remaining := f.header.fileLen - f.position
		if remaining == 0 {
			return read, frOK
		}
		if readable == 0 {
			next := fsys.fat.descriptorAt(f.currentSector).next()
			if next == eofSector {
				return read, frOK
			}
			f.rwPosInSector = 0
			f.currentSector = next
			readable = geom.SectorSize
		}

		n := uint32(len(buf))
		if n > readable {
			n = readable
		}
		if n > remaining {
			n = remaining
		}
		addr := geom.sectorAddr(f.currentSector) + int64(f.rwPosInSector)

		if f.flags&ModeZeroCopy != 0 {
			if fr := fsys.diskRead(addr, buf[:n]); fr != frOK {
				return read, fr
			}
		} else {
			if fr := fsys.diskRead(addr, fsys.buff[:n]); fr != frOK {
				return read, fr
			}
			copy(buf[:n], fsys.buff[:n])
		}

		f.position += n
		f.rwPosInSector += n
		buf = buf[n:]
		read += int(n)
	}
	return read, frOK
}

// Len returns the file's length in bytes, as recorded in its header. For a
// write handle this is only meaningful after Close.
func (f *File) Len() uint32 { return f.header.fileLen }

// Close finalizes the file. This is the atomic-commit linchpin: the new
// header is programmed and the old chain is marked garbage within the same
// FAT commit that reveals the new file as finalized, so a power loss before
// the commit returns leaves the previous version fully intact.
func (f *File) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	fr := f.close()
	if fr != frOK {
		return fr.toErr()
	}
	return nil
}

func (f *File) close() fatResult {
	fsys := f.fs
	if f.flags&ModeWrite == 0 {
		return frOK // read handles have nothing to commit
	}

	f.header.fileLen = f.position
	f.header.timeStamp = uint32(time.Now().Unix())
	if f.crcHash != nil {
		f.header.crc = f.crcHash.Sum32() ^ 0x00FFFFFF
	}

	headerBuf := make([]byte, fsys.geom.PageSize)
	for i := range headerBuf {
		headerBuf[i] = 0xFF
	}
	f.header.marshal(headerBuf[:headerSize])

	if f.errored {
		if f.startSector != invalidSector {
			if fr := fsys.markChainGarbage(f.startSector, fsys.geom.Sectors); fr != frOK {
				return fr
			}
		}
		return frFull
	}

	if f.startSector != invalidSector {
		if fr := fsys.diskProgram(fsys.geom.sectorAddr(f.startSector), headerBuf); fr != frOK {
			return fr
		}
		fsys.fat.descriptorAt(f.startSector).clearWrite()
	}

	if f.oldFileSector != invalidSector {
		if fr := fsys.markChainGarbage(f.oldFileSector, fsys.geom.Sectors); fr != frOK {
			return fr
		}
	}

	return fsys.commit(false)
}

// markChainGarbage walks the chain from start, clearing the active bit on
// every descriptor. The walk is bounded by the total sector count to detect
// a corrupt next-pointer cycle or out-of-range index.
func (fsys *FS) markChainGarbage(start lba, bound uint32) fatResult {
	current := start
	limit := bound
	for {
		fsys.fat.descriptorAt(current).markGarbage()
		next := fsys.fat.descriptorAt(current).next()
		if next == eofSector {
			return frOK
		}
		if next < lba(fsys.geom.TableCount) || next >= lba(fsys.geom.Sectors) {
			fsys.logerror("file:close:corrupt-chain", slog.Uint64("next", uint64(next)))
			return frCorrupt
		}
		current = next
		limit--
		if limit == 0 {
			fsys.logerror("file:close:chain-too-long")
			return frCorrupt
		}
	}
}
