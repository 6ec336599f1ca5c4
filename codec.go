package mdns

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

// This file implements the message codec. Typed record data is handled by miekg/dns, but the
// structure of received messages is validated here first: multicast networks carry plenty of
// noise and the mDNS rules for compression pointers are stricter than what dns.Msg.Unpack checks.

const (
	headerLen = 12

	// RFC 1035 Section 3.1: names are limited to 255 octets in wire format.
	maxNameLen = 255

	// Loop guard for compression pointers. Pointers must point backwards, so a loop is
	// impossible, but a long chain is still suspicious.
	maxPointerDepth = 32

	// Largest message we attempt to decode or send (RFC 6762 Section 17).
	maxMessageLen = 9000
)

// Encode packs a message in wire format, using name compression. The result is held to the same
// rules as Decode, so that names longer than 255 octets are never sent.
func Encode(msg *dns.Msg) ([]byte, error) {
	m := *msg
	m.Compress = true
	buf, err := m.Pack()
	if err != nil {
		return nil, &FormatError{Offset: -1, Reason: "pack failed", Err: err}
	}
	if len(buf) > maxMessageLen {
		return nil, formatErrorf(-1, "message of %d bytes exceeds %d", len(buf), maxMessageLen)
	}
	counts := [4]int{len(m.Question), len(m.Answer), len(m.Ns), len(m.Extra)}
	if err := validateStructure(buf, counts); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode parses a message in wire format. A FormatError is returned if the header is truncated,
// the message is larger than 9000 bytes, the header counts don't match the records that are
// present, a label is malformed, a name is longer than 255 octets or a compression pointer
// doesn't point strictly backwards.
func Decode(buf []byte) (*dns.Msg, error) {
	if len(buf) < headerLen {
		return nil, formatErrorf(len(buf), "truncated header (%d bytes)", len(buf))
	}
	if len(buf) > maxMessageLen {
		return nil, formatErrorf(-1, "message of %d bytes exceeds %d", len(buf), maxMessageLen)
	}
	var counts [4]int
	for i := range counts {
		counts[i] = int(binary.BigEndian.Uint16(buf[4+2*i:]))
	}
	if err := validateStructure(buf, counts); err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, &FormatError{Offset: -1, Reason: "unpack failed", Err: err}
	}

	// dns.Msg.Unpack tolerates some count mismatches by truncating the sections
	got := [4]int{len(msg.Question), len(msg.Answer), len(msg.Ns), len(msg.Extra)}
	if got != counts {
		return nil, formatErrorf(-1, "count mismatch: header %v, decoded %v", counts, got)
	}
	return msg, nil
}

// Walks all questions and records, checking names and lengths without interpreting RDATA,
// except for names embedded in the RDATA of common record types.
func validateStructure(buf []byte, counts [4]int) error {
	off := headerLen
	for i := 0; i < counts[0]; i++ {
		if off >= len(buf) {
			return formatErrorf(off, "count mismatch: question %d of %d is missing", i+1, counts[0])
		}
		end, err := walkName(buf, off)
		if err != nil {
			return err
		}
		if end+4 > len(buf) {
			return formatErrorf(end, "count mismatch: question %d of %d is truncated", i+1, counts[0])
		}
		off = end + 4
	}
	numRecords := counts[1] + counts[2] + counts[3]
	for i := 0; i < numRecords; i++ {
		if off >= len(buf) {
			return formatErrorf(off, "count mismatch: record %d of %d is missing", i+1, numRecords)
		}
		end, err := walkName(buf, off)
		if err != nil {
			return err
		}
		if end+10 > len(buf) {
			return formatErrorf(end, "count mismatch: record %d of %d is truncated", i+1, numRecords)
		}
		rrtype := binary.BigEndian.Uint16(buf[end:])
		rdlen := int(binary.BigEndian.Uint16(buf[end+8:]))
		rdata := end + 10
		if rdata+rdlen > len(buf) {
			return formatErrorf(rdata, "rdata length %d exceeds message", rdlen)
		}
		if err := validateRdataNames(buf, rrtype, rdata, rdlen); err != nil {
			return err
		}
		off = rdata + rdlen
	}
	return nil
}

func validateRdataNames(buf []byte, rrtype uint16, off, rdlen int) error {
	var nameOff int
	switch rrtype {
	case dns.TypePTR, dns.TypeCNAME, dns.TypeNS, dns.TypeDNAME, dns.TypeNSEC:
		nameOff = off
	case dns.TypeSRV:
		nameOff = off + 6 // priority, weight, port
	case dns.TypeMX:
		nameOff = off + 2
	default:
		return nil
	}
	if nameOff >= off+rdlen {
		return formatErrorf(off, "rdata too short for %v", dns.Type(rrtype))
	}
	end, err := walkName(buf, nameOff)
	if err != nil {
		return err
	}
	if end > off+rdlen {
		return formatErrorf(nameOff, "name in %v rdata overruns rdata", dns.Type(rrtype))
	}
	return nil
}

// Returns the offset right after the name that starts at off (i.e. after the first pointer, if
// the name is compressed).
func walkName(buf []byte, off int) (end int, err error) {
	end = -1
	nameLen, depth := 0, 0
	for {
		if off >= len(buf) {
			return 0, formatErrorf(off, "name runs past end of message")
		}
		c := int(buf[off])
		switch c & 0xC0 {
		case 0x00:
			if c == 0 {
				if end < 0 {
					end = off + 1
				}
				if nameLen+1 > maxNameLen {
					return 0, formatErrorf(off, "name exceeds %d octets", maxNameLen)
				}
				return end, nil
			}
			if off+1+c > len(buf) {
				return 0, formatErrorf(off, "label length %d runs past end of message", c)
			}
			nameLen += c + 1
			if nameLen+1 > maxNameLen {
				return 0, formatErrorf(off, "name exceeds %d octets", maxNameLen)
			}
			off += 1 + c
		case 0xC0:
			if off+1 >= len(buf) {
				return 0, formatErrorf(off, "truncated compression pointer")
			}
			ptr := (c&0x3F)<<8 | int(buf[off+1])
			if ptr >= off {
				return 0, formatErrorf(off, "compression pointer to %d does not point backwards", ptr)
			}
			if ptr < headerLen {
				return 0, formatErrorf(off, "compression pointer into header")
			}
			if depth++; depth > maxPointerDepth {
				return 0, formatErrorf(off, "too many compression pointers")
			}
			if end < 0 {
				end = off + 2
			}
			off = ptr
		default:
			return 0, formatErrorf(off, "invalid label type 0x%02x", c&0xC0)
		}
	}
}
