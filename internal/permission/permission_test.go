package permission

import "testing"

func TestOwnerGrantedByOwnerBits(t *testing.T) {
	mode := Mode(0o740) // owner rwx, group r, other none
	if !Check(mode, 1, 1, 1, 1, Read|Write|Exec) {
		t.Fatal("owner should have rwx")
	}
}

func TestGroupFallsBackWhenNotOwner(t *testing.T) {
	mode := Mode(0o740)
	if Check(mode, 1, 1, 2, 1, Write) {
		t.Fatal("group should not have write")
	}
	if !Check(mode, 1, 1, 2, 1, Read) {
		t.Fatal("group should have read")
	}
}

func TestOtherIsLeastPrivileged(t *testing.T) {
	mode := Mode(0o740)
	if Check(mode, 1, 1, 3, 3, Read) {
		t.Fatal("other should have no access")
	}
}

func TestOwnerAllowShortCircuits(t *testing.T) {
	mode := Mode(0o000)
	if !Check(mode, 1, 1, 1, 1, OwnerAllow) {
		t.Fatal("owner-allow should short-circuit regardless of mode bits")
	}
	if Check(mode, 1, 1, 2, 1, OwnerAllow|Read) {
		t.Fatal("owner-allow should not grant to a non-owner")
	}
}

func TestMatrix(t *testing.T) {
	type tc struct {
		mode           Mode
		isOwner, isGrp bool
		op             Op
		want           bool
	}
	cases := []tc{
		{0o777, true, false, Read | Write | Exec, true},
		{0o000, true, false, Read, false},
		{0o070, false, true, Write, true},
		{0o070, false, false, Write, false},
		{0o007, false, false, Exec, true},
		{0o700, false, false, Read, false},
	}
	for i, c := range cases {
		uid, resUID := uint32(1), uint32(1)
		if !c.isOwner {
			uid = 2
		}
		gid, resGID := uint32(10), uint32(10)
		if !c.isGrp && !c.isOwner {
			gid = 20
		}
		got := Check(c.mode, resUID, resGID, uid, gid, c.op)
		if got != c.want {
			t.Errorf("case %d: mode=%o isOwner=%v isGrp=%v op=%b got=%v want=%v", i, c.mode, c.isOwner, c.isGrp, c.op, got, c.want)
		}
	}
}
