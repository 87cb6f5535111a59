// Package norfat implements a small, append-only, power-fail-safe file
// system for NOR flash devices.
//
// NOR flash erases in whole sectors and programs in pages, and a program
// operation can only clear bits (1 -> 0), never set them. The file system
// exploits this by keeping a dual-redundant allocation table (the FAT) with
// a rolling ring of commit CRCs, so that every table update is a sequence of
// legal bit-clears until the ring fills, at which point the table rotates to
// a freshly erased pair. Files are flat (no directories), identified by a
// fixed-length name, and are replaced atomically on close: the old chain
// stays fully readable until the new header is programmed and the table
// commit that reveals it completes.
//
// The package is single-threaded and cooperative: every exported method
// runs to completion before another may begin, and none of them suspend.
// There is no locking because there is nothing to lock against; overlapping
// operations on the same *FS or *File are a caller error.
package norfat
