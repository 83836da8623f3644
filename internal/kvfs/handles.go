package kvfs

import (
	"sync"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/kvfs-project/kvfs/internal/direngine"
)

// fileHandle pairs the inode a file handle was opened against with the
// use_id attrengine.Open minted for it, so ReleaseFileHandle can call
// attrengine.Close with the exact pair that created the handle.
type fileHandle struct {
	ino   uint64
	useID [16]byte
}

// dirHandle snapshots a directory's children at OpenDir time. gcsfuse's
// own dirHandle (fs/dir_handle.go) does the same thing for the same
// reason: POSIX readdir must tolerate concurrent mutation of the
// directory without the kernel's cursor (ReadDirOp.Offset) going out of
// bounds or repeating entries (spec.md §4.9's "readdir is a snapshot").
type dirHandle struct {
	ino      uint64
	children []direngine.Child
}

// handleTable mints opaque fuseops.HandleID values for open files and
// directories. The kernel echoes whatever we hand back in Handle, so a
// monotonic counter plus two maps (files are never directories and vice
// versa, so one counter and two maps is simpler than tagging each ID)
// is sufficient, matching gcsfuse's fs.fileSystem.handles map keyed the
// same way.
type handleTable struct {
	mu    sync.Mutex
	next  fuseops.HandleID
	files map[fuseops.HandleID]*fileHandle
	dirs  map[fuseops.HandleID]*dirHandle
}

func newHandleTable() *handleTable {
	return &handleTable{
		files: make(map[fuseops.HandleID]*fileHandle),
		dirs:  make(map[fuseops.HandleID]*dirHandle),
	}
}

func (t *handleTable) putFile(h *fileHandle) fuseops.HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.files[id] = h
	return id
}

func (t *handleTable) getFile(id fuseops.HandleID) (*fileHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.files[id]
	return h, ok
}

func (t *handleTable) dropFile(id fuseops.HandleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, id)
}

func (t *handleTable) putDir(h *dirHandle) fuseops.HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.dirs[id] = h
	return id
}

func (t *handleTable) getDir(id fuseops.HandleID) (*dirHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.dirs[id]
	return h, ok
}

func (t *handleTable) dropDir(id fuseops.HandleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dirs, id)
}
