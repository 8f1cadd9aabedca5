// Package discovery advertises this agent's presence over multicast DNS so
// a hub on the same network segment can find it without a manual address.
// Grounded on original_source/mdns_service.py, which registers with
// Python's zeroconf library; no mDNS/DNS-SD library exists anywhere in the
// retrieved corpus, so this is a minimal stdlib net.ListenMulticastUDP
// announcer rather than a full responder — enough to emit the TXT-record
// shape spec.md §6 describes, not a general-purpose mDNS stack.
package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strings"
	"time"
)

// ServiceType is the DNS-SD service type advertised on the bound port.
const ServiceType = "_capydeploy._tcp.local."

const (
	mdnsAddr         = "224.0.0.251:5353"
	announceInterval = 10 * time.Second
	defaultTTL       = uint32(120)
)

// Record is the identity advertised in the service's TXT record.
type Record struct {
	ID       string
	Name     string
	Platform string
	Version  string
	Port     int
}

// Advertiser publishes (or stops publishing) this agent's presence.
type Advertiser interface {
	Start(ctx context.Context, rec Record) error
	Stop()
}

// UDPAdvertiser periodically sends an unsolicited mDNS announcement
// (PTR + SRV + TXT + A records in one packet) to the standard mDNS
// multicast group, the "announce" half of the probe/announce mDNS
// lifecycle — there are no queriers to answer here, only a presence beacon
// for a hub doing a PTR lookup on the service type to notice.
type UDPAdvertiser struct {
	conn   *net.UDPConn
	cancel context.CancelFunc
	done   chan struct{}
}

func NewUDPAdvertiser() *UDPAdvertiser {
	return &UDPAdvertiser{}
}

// Start resolves the mDNS multicast group, then announces rec at
// announceInterval until ctx is done or Stop is called.
func (a *UDPAdvertiser) Start(ctx context.Context, rec Record) error {
	group, err := net.ResolveUDPAddr("udp4", mdnsAddr)
	if err != nil {
		return fmt.Errorf("discovery: resolve multicast group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("discovery: listen multicast: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.conn = conn
	a.cancel = cancel
	a.done = done

	go a.loop(loopCtx, conn, group, rec, done)
	log.Printf("discovery: advertising %s on port %d", ServiceType, rec.Port)
	return nil
}

// Stop ends the announce loop and closes the multicast socket.
func (a *UDPAdvertiser) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	_ = a.conn.Close()
	a.conn = nil
	a.cancel = nil
	log.Printf("discovery: advertising stopped")
}

func (a *UDPAdvertiser) loop(ctx context.Context, conn *net.UDPConn, group *net.UDPAddr, rec Record, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	send := func() {
		localIP := outboundIP()
		packet := buildAnnouncement(rec, localIP)
		if _, err := conn.WriteToUDP(packet, group); err != nil {
			log.Printf("discovery: announce failed: %v", err)
		}
	}
	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

// outboundIP finds this machine's outbound-facing address the same way
// steamfs.LocalIP does, without importing steamfs to avoid a dependency
// cycle (steamfs has no reason to depend on discovery or vice versa, but
// keeping this package self-contained keeps it testable in isolation).
func outboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return net.IPv4(127, 0, 0, 1)
	}
	return addr.IP
}

// buildAnnouncement encodes a single mDNS response packet carrying PTR,
// SRV, TXT, and A records for rec — the minimal set a passive listener
// needs to resolve "who is _capydeploy._tcp.local. and where do I connect".
func buildAnnouncement(rec Record, ip net.IP) []byte {
	instance := rec.ID + "." + ServiceType
	host := strings.TrimSuffix(rec.ID, ".") + ".local."

	txt := encodeTXT([]string{
		"id=" + rec.ID,
		"name=" + rec.Name,
		"platform=" + rec.Platform,
		"version=" + rec.Version,
	})

	var buf []byte
	buf = appendHeader(buf, 4)

	buf = appendRR(buf, ServiceType, typePTR, defaultTTL, encodeName(instance))
	buf = appendRR(buf, instance, typeSRV, defaultTTL, encodeSRV(rec.Port, host))
	buf = appendRR(buf, instance, typeTXT, defaultTTL, txt)
	buf = appendRR(buf, host, typeA, defaultTTL, ip.To4())

	return buf
}

const (
	typeA   = 1
	typePTR = 12
	typeTXT = 16
	typeSRV = 33

	classIN = 1
)

// appendHeader writes a 12-byte DNS header: id 0, flags 0x8400
// (response, authoritative), 0 questions, ancount answer records.
func appendHeader(buf []byte, ancount uint16) []byte {
	var header [12]byte
	binary.BigEndian.PutUint16(header[2:], 0x8400)
	binary.BigEndian.PutUint16(header[6:], ancount)
	return append(buf, header[:]...)
}

// appendRR appends one resource record: name, type, class IN (cache-flush
// bit set), TTL, and length-prefixed rdata.
func appendRR(buf []byte, name string, rrType uint16, ttl uint32, rdata []byte) []byte {
	buf = append(buf, encodeName(name)...)
	var fixed [10]byte
	binary.BigEndian.PutUint16(fixed[0:], rrType)
	binary.BigEndian.PutUint16(fixed[2:], classIN|0x8000) // cache-flush bit
	binary.BigEndian.PutUint32(fixed[4:], ttl)
	binary.BigEndian.PutUint16(fixed[8:], uint16(len(rdata)))
	buf = append(buf, fixed[:]...)
	return append(buf, rdata...)
}

// encodeName writes a dot-separated name as length-prefixed labels
// terminated by a zero byte; no compression pointers are used, so a name
// shared by several records (the SRV and TXT owner) is written out in full
// each time.
func encodeName(name string) []byte {
	name = strings.TrimSuffix(name, ".")
	var out []byte
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			continue
		}
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	return append(out, 0)
}

func encodeSRV(port int, target string) []byte {
	var out [6]byte
	binary.BigEndian.PutUint16(out[4:], uint16(port))
	return append(out[:], encodeName(target)...)
}

func encodeTXT(pairs []string) []byte {
	var out []byte
	for _, p := range pairs {
		out = append(out, byte(len(p)))
		out = append(out, p...)
	}
	return out
}
