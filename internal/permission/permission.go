// Package permission implements the POSIX-style rwx evaluation from
// spec.md §4.5: a pure function over (uid, gid, perm, op) with no KVS or
// network dependency, so it is trivially unit-testable and needs no
// third-party library — it is bit arithmetic over a fixed-width mode
// word, not a concern any example repo reaches for a package to solve.
package permission

// Op is a bitwise combination of the three POSIX access classes, plus
// OwnerAllow which short-circuits to true whenever uid matches the
// resource's owner (spec.md §4.5).
type Op uint8

const (
	Read Op = 1 << iota
	Write
	Exec
	OwnerAllow
)

// Mode mirrors a POSIX permission word: (owner rwx)(group rwx)(other rwx)
// packed into the low 9 bits, matching the `perm` field stored on
// RegionMeta and DataItemMeta.
type Mode uint16

const (
	otherExec Mode = 1 << iota
	otherWrite
	otherRead
	groupExec
	groupWrite
	groupRead
	ownerExec
	ownerWrite
	ownerRead
)

// Check walks user/group/other bits exactly as POSIX does and returns
// true iff every requested bit in op is granted by at least one
// applicable class.
func Check(mode Mode, resourceUID, resourceGID uint32, callerUID, callerGID uint32, op Op) bool {
	if op&OwnerAllow != 0 && callerUID == resourceUID {
		return true
	}
	op &^= OwnerAllow

	var granted Op
	if callerUID == resourceUID {
		granted = classBits(mode, ownerRead, ownerWrite, ownerExec)
	} else if callerGID == resourceGID {
		granted = classBits(mode, groupRead, groupWrite, groupExec)
	} else {
		granted = classBits(mode, otherRead, otherWrite, otherExec)
	}

	return op&granted == op
}

func classBits(mode Mode, r, w, x Mode) Op {
	var got Op
	if mode&r != 0 {
		got |= Read
	}
	if mode&w != 0 {
		got |= Write
	}
	if mode&x != 0 {
		got |= Exec
	}
	return got
}
