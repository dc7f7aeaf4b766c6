package rules

import "testing"

func dir(d Direction) *Direction { return &d }
func typ(t SockType) *SockType   { return &t }

func TestFirstMatchWins(t *testing.T) {
	list := []Rule{
		{Address: "10.0.0.*", SocketPath: "/tmp/a.sock"},
		{Address: "10.0.0.5", SocketPath: "/tmp/b.sock"},
	}
	r, ok, err := FirstMatch(list, Candidate{Address: "10.0.0.5"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || r.SocketPath != "/tmp/a.sock" {
		t.Fatalf("expected first rule to win, got %+v ok=%v", r, ok)
	}
}

func TestNoMatchProceedsUntranslated(t *testing.T) {
	list := []Rule{{Address: "192.168.*", SocketPath: "/tmp/a.sock"}}
	_, ok, err := FirstMatch(list, Candidate{Address: "10.0.0.5"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no match")
	}
}

func TestDirectionAndTypeAndPort(t *testing.T) {
	r := Rule{
		Direction: dir(Outgoing),
		Type:      typ(TCP),
		Port:      &PortRange{Low: 8000, High: 9000},
		SocketPath: "/tmp/x.sock",
	}
	ok, err := r.Matches(Candidate{Direction: Outgoing, Type: TCP, Port: 8080}, DefaultGlob)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected match")
	}
	ok, err = r.Matches(Candidate{Direction: Incoming, Type: TCP, Port: 8080}, DefaultGlob)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("direction mismatch should not match")
	}
	ok, err = r.Matches(Candidate{Direction: Outgoing, Type: TCP, Port: 9500}, DefaultGlob)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("out-of-range port should not match")
	}
}

func TestFDNameMatch(t *testing.T) {
	r := Rule{FDName: "web", SocketActivation: true}
	ok, err := r.Matches(Candidate{FDName: "web"}, DefaultGlob)
	if err != nil || !ok {
		t.Fatalf("expected fd name match, ok=%v err=%v", ok, err)
	}
	ok, _ = r.Matches(Candidate{FDName: "other"}, DefaultGlob)
	if ok {
		t.Fatal("expected fd name mismatch to fail")
	}
}

func TestValidateRejectsEmptyOutcome(t *testing.T) {
	r := Rule{Address: "10.0.0.1"}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for rule with no outcome")
	}
}

func TestDecodeRejectsInvalidRule(t *testing.T) {
	if _, err := Decode(`[{"address":"10.0.0.1"}]`); err == nil {
		t.Fatal("expected decode to reject a rule with no outcome")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	data := `[{"socket_path":"/tmp/svc-%p.sock","port":{"low":80,"high":80}}]`
	list, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].SocketPath != "/tmp/svc-%p.sock" {
		t.Fatalf("unexpected decode result: %+v", list)
	}
}
