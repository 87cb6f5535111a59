package norfat

import (
	"context"
	"log/slog"
	"math/rand/v2"
)

// slogLevelTrace is a level below slog.LevelDebug, used for the
// highest-volume per-flash-operation tracing, matching the teacher's
// log/slog wiring.
const slogLevelTrace = slog.LevelDebug - 2

// FS is the mounted file system handle. It owns the scratch buffer and the
// FAT image exclusively; per §5 there is no locking because callers must
// not run two operations on the same FS concurrently, and must not overlap
// writes across handles opened from it.
type FS struct {
	geom     Geometry
	device   BlockDevice
	fat      *fatImage
	buff     []byte // scratch buffer, geom.SectorSize bytes
	firstFAT uint32
	rng      *rand.Rand
	log      *slog.Logger
	mounted  bool
}

// SetLogger attaches a structured logger. Passing nil disables logging.
func (fsys *FS) SetLogger(log *slog.Logger) {
	fsys.log = log
}

func (fsys *FS) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if fsys.log != nil {
		fsys.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (fsys *FS) trace(msg string, attrs ...slog.Attr)    { fsys.logattrs(slogLevelTrace, msg, attrs...) }
func (fsys *FS) debug(msg string, attrs ...slog.Attr)    { fsys.logattrs(slog.LevelDebug, msg, attrs...) }
func (fsys *FS) info(msg string, attrs ...slog.Attr)     { fsys.logattrs(slog.LevelInfo, msg, attrs...) }
func (fsys *FS) logerror(msg string, attrs ...slog.Attr) { fsys.logattrs(slog.LevelError, msg, attrs...) }

func (fsys *FS) diskRead(addr int64, buf []byte) fatResult {
	fsys.trace("fs:disk_read", slog.Int64("addr", addr), slog.Int("len", len(buf)))
	if err := fsys.device.Read(addr, buf); err != nil {
		fsys.logerror("disk_read", slog.String("err", err.Error()))
		return frIO
	}
	return frOK
}

func (fsys *FS) diskProgram(addr int64, buf []byte) fatResult {
	fsys.trace("fs:disk_program", slog.Int64("addr", addr), slog.Int("len", len(buf)))
	if err := fsys.device.ProgramPage(addr, buf); err != nil {
		fsys.logerror("disk_program", slog.String("err", err.Error()))
		return frIO
	}
	return frOK
}

func (fsys *FS) diskErase(addr int64) fatResult {
	fsys.trace("fs:disk_erase", slog.Int64("addr", addr))
	if err := fsys.device.EraseSector(addr); err != nil {
		fsys.logerror("disk_erase", slog.String("err", err.Error()))
		return frIO
	}
	return frOK
}

// readSector reads the whole FAT-sized sector s into the scratch buffer.
func (fsys *FS) readSector(s lba) fatResult {
	return fsys.diskRead(fsys.geom.sectorAddr(s), fsys.buff)
}
