package wire

import (
	"bytes"
	"testing"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	pkt := NewPacket(MagicReq, CmdSubmitJob, []byte("reverse"), []byte("uniq-1"), []byte("payload\x00with\x00nuls"))
	encoded := pkt.Encode()

	r := NewReader(bytes.NewReader(encoded))
	isBinary, err := r.PeekIsBinary()
	if err != nil {
		t.Fatalf("PeekIsBinary: %v", err)
	}
	if !isBinary {
		t.Fatal("expected binary frame")
	}

	got, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}

	if got.Command != CmdSubmitJob {
		t.Errorf("command = %v, want %v", got.Command, CmdSubmitJob)
	}
	if got.ArgString(0) != "reverse" {
		t.Errorf("arg0 = %q, want reverse", got.ArgString(0))
	}
	if got.ArgString(1) != "uniq-1" {
		t.Errorf("arg1 = %q, want uniq-1", got.ArgString(1))
	}
	if !bytes.Equal(got.Arg(2), []byte("payload\x00with\x00nuls")) {
		t.Errorf("arg2 = %q, want payload with embedded NULs preserved", got.Arg(2))
	}
}

func TestPacketResponseRoundTrip(t *testing.T) {
	pkt := NewPacket(MagicRes, CmdJobCreated, []byte("H:host:1"))
	r := NewReader(bytes.NewReader(pkt.Encode()))

	got, err := r.ReadResponsePacket()
	if err != nil {
		t.Fatalf("ReadResponsePacket: %v", err)
	}
	if got.Command != CmdJobCreated {
		t.Errorf("command = %v, want CmdJobCreated", got.Command)
	}
	if got.ArgString(0) != "H:host:1" {
		t.Errorf("handle = %q, want H:host:1", got.ArgString(0))
	}
}

func TestReadPacketRejectsResponseMagic(t *testing.T) {
	pkt := NewPacket(MagicRes, CmdJobCreated, []byte("H:host:1"))
	r := NewReader(bytes.NewReader(pkt.Encode()))

	if _, err := r.ReadPacket(); err != ErrBadMagic {
		t.Errorf("ReadPacket on a response frame: got err %v, want ErrBadMagic", err)
	}
}

func TestPeekIsBinaryFalseForAdminLine(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("status\n")))
	isBinary, err := r.PeekIsBinary()
	if err != nil {
		t.Fatalf("PeekIsBinary: %v", err)
	}
	if isBinary {
		t.Error("expected admin text line to be detected as non-binary")
	}
}

func TestReadAdminLine(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("workers\n.\n")))
	line, err := r.ReadAdminLine()
	if err != nil {
		t.Fatalf("ReadAdminLine: %v", err)
	}
	if line != "workers\n" {
		t.Errorf("line = %q, want %q", line, "workers\n")
	}
}

func TestArgCountForCommandFinalArgRunsToEnd(t *testing.T) {
	payload := []byte("reverse\x00uniq-1\x00data\x00with\x00embedded\x00nuls")
	pkt := Decode(MagicReq, CmdSubmitJob, payload)

	if len(pkt.Args) != 3 {
		t.Fatalf("len(Args) = %d, want 3", len(pkt.Args))
	}
	if !bytes.Equal(pkt.Arg(2), []byte("data\x00with\x00embedded\x00nuls")) {
		t.Errorf("final arg = %q, did not run to end of payload", pkt.Arg(2))
	}
}

func TestSubmitKindOf(t *testing.T) {
	k, ok := SubmitKindOf(CmdSubmitJobHighBG)
	if !ok {
		t.Fatal("expected CmdSubmitJobHighBG to be a submit command")
	}
	if k.Priority != PriorityHigh || !k.Background || k.Scheduled {
		t.Errorf("unexpected SubmitKind: %+v", k)
	}

	if _, ok := SubmitKindOf(CmdGrabJob); ok {
		t.Error("CmdGrabJob should not classify as a submit command")
	}
}

func TestIsClientAndWorkerCommand(t *testing.T) {
	if !IsClientCommand(CmdSubmitJob) {
		t.Error("CmdSubmitJob should be a client command")
	}
	if IsClientCommand(CmdCanDo) {
		t.Error("CmdCanDo should not be a client command")
	}
	if !IsWorkerCommand(CmdGrabJob) {
		t.Error("CmdGrabJob should be a worker command")
	}
	if IsWorkerCommand(CmdSubmitJob) {
		t.Error("CmdSubmitJob should not be a worker command")
	}
}
