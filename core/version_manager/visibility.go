package versionmanager

// StatusChecker answers whether a transaction has committed.
type StatusChecker interface {
	IsCommitted(xid uint64) bool
}

// IsVisible reports whether t may see the version with the given xmin/xmax.
func IsVisible(tm StatusChecker, t *Transaction, xmin, xmax uint64) bool {
	if t.Level == ReadCommitted {
		return readCommitted(tm, t, xmin, xmax)
	}
	return repeatableRead(tm, t, xmin, xmax)
}

func readCommitted(tm StatusChecker, t *Transaction, xmin, xmax uint64) bool {
	if xmin == t.XID && xmax == 0 {
		return true
	}
	if !tm.IsCommitted(xmin) {
		return false
	}
	if xmax == 0 {
		return true
	}
	return xmax != t.XID && !tm.IsCommitted(xmax)
}

func repeatableRead(tm StatusChecker, t *Transaction, xmin, xmax uint64) bool {
	if xmin == t.XID && xmax == 0 {
		return true
	}
	if !tm.IsCommitted(xmin) || xmin >= t.XID || t.InSnapshot(xmin) {
		return false
	}
	if xmax == 0 {
		return true
	}
	return xmax != t.XID && (!tm.IsCommitted(xmax) || xmax > t.XID || t.InSnapshot(xmax))
}

// IsVersionSkip reports whether a delete by t would overwrite a deletion t
// cannot see. Only repeatable-read transactions can skip a version.
func IsVersionSkip(tm StatusChecker, t *Transaction, xmax uint64) bool {
	if t.Level == ReadCommitted {
		return false
	}
	return tm.IsCommitted(xmax) && (xmax > t.XID || t.InSnapshot(xmax))
}
