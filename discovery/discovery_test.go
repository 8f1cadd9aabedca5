package discovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
)

var _ Advertiser = (*UDPAdvertiser)(nil)

func TestEncodeNameLengthPrefixesLabels(t *testing.T) {
	got := encodeName("_capydeploy._tcp.local.")
	want := []byte{
		11, '_', 'c', 'a', 'p', 'y', 'd', 'e', 'p', 'l', 'o', 'y',
		4, '_', 't', 'c', 'p',
		5, 'l', 'o', 'c', 'a', 'l',
		0,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("encodeName = %v, want %v", got, want)
	}
}

func TestEncodeTXTLengthPrefixesEachPair(t *testing.T) {
	got := encodeTXT([]string{"id=abc", "name=Deck"})
	if got[0] != 6 || string(got[1:7]) != "id=abc" {
		t.Fatalf("first TXT pair wrong: %v", got)
	}
	if got[7] != 9 || string(got[8:17]) != "name=Deck" {
		t.Fatalf("second TXT pair wrong: %v", got)
	}
}

func TestEncodeSRVEmbedsPortAndTarget(t *testing.T) {
	got := encodeSRV(8443, "agent-1.local.")
	port := binary.BigEndian.Uint16(got[4:6])
	if port != 8443 {
		t.Fatalf("port = %d, want 8443", port)
	}
	rest := got[6:]
	if !bytes.Equal(rest, encodeName("agent-1.local.")) {
		t.Fatalf("target name not encoded correctly")
	}
}

func TestBuildAnnouncementHasFourAnswers(t *testing.T) {
	rec := Record{ID: "agent-1", Name: "My Deck", Platform: "steamdeck", Version: "0.1.0", Port: 8443}
	packet := buildAnnouncement(rec, net.IPv4(192, 168, 1, 50))

	if len(packet) < 12 {
		t.Fatalf("packet too short: %d bytes", len(packet))
	}
	ancount := binary.BigEndian.Uint16(packet[6:8])
	if ancount != 4 {
		t.Fatalf("ancount = %d, want 4", ancount)
	}
	flags := binary.BigEndian.Uint16(packet[2:4])
	if flags != 0x8400 {
		t.Fatalf("flags = %#x, want 0x8400", flags)
	}
}

func TestStartAndStopAdvertiser(t *testing.T) {
	a := NewUDPAdvertiser()
	rec := Record{ID: "agent-test", Name: "Test", Platform: "linux", Version: "0.0.1", Port: 9999}

	if err := a.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a.Stop()
}
