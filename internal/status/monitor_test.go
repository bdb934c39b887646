package status

import "testing"

func TestBeginEndTracksActiveAndTotal(t *testing.T) {
	m := &Monitor{}
	end := m.Begin(TCP)
	s := m.Snapshot()
	if s.ActiveTCP != 1 || s.TotalTCP != 1 {
		t.Fatalf("after Begin: got %+v", s)
	}
	end()
	s = m.Snapshot()
	if s.ActiveTCP != 0 || s.TotalTCP != 1 {
		t.Errorf("after end: got %+v", s)
	}
}

func TestKindsAreIndependent(t *testing.T) {
	m := &Monitor{}
	endTCP := m.Begin(TCP)
	defer endTCP()
	endUDP1 := m.Begin(UDP)
	endUDP2 := m.Begin(UDP)
	defer endUDP1()
	defer endUDP2()
	m.Begin(SOCKS)

	s := m.Snapshot()
	if s.ActiveTCP != 1 || s.ActiveUDP != 2 || s.ActiveSOCKS != 1 {
		t.Errorf("got %+v", s)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{TCP: "TCP", UDP: "UDP", SOCKS: "SOCKS", Kind(99): "UNKNOWN"}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
