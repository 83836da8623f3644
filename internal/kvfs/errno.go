package kvfs

import (
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/logger"
)

// translateError is the single place internal/kvfs calls
// kverrors.ToErrno, mirroring fs.go's inline switch err.(type) at each
// call site but generalized into one function since kvfs has far more
// call sites than gcsfuse's GCS-precondition special case.
//
// Data-integrity errors (a referenced block hash with no payload row,
// or a verified read whose content no longer matches its hash) are
// logged as structured alerts before being surfaced to the kernel as
// EIO, since losing that detail at the errno boundary would make a
// corruption incident invisible to anything but the client's I/O error.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	kind := kverrors.KindOf(err)
	if kind == kverrors.DataMissing || kind == kverrors.InvalidData {
		logger.Errorf("data integrity alert: kind=%s err=%v", kind, err)
	}
	return kverrors.ToErrno(kind)
}
