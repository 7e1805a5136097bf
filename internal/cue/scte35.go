package cue

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SCTE-35 splice command types this package understands.
const (
	CommandSpliceNull   = 0x00
	CommandSpliceInsert = 0x05
	CommandTimeSignal   = 0x06
)

const (
	tableID                  = 0xFC
	segmentationDescriptor   = 0x02
	cueIdentifier            = 0x43554549 // "CUEI"
	ticksPerSecond           = 90000.0
	unspecifiedCommandLength = 0xFFF
)

// ErrSCTE35 is returned for payloads that are not a splice_info_section.
var ErrSCTE35 = errors.New("invalid scte-35 payload")

// SpliceInfo is the subset of a splice_info_section the cue detector needs.
type SpliceInfo struct {
	CommandType uint8

	// EventID is the splice_event_id of a splice_insert, or the
	// segmentation_event_id of the first segmentation descriptor.
	EventID    uint32
	HasEventID bool

	// OutOfNetwork is set for a splice_insert leaving the network, or a
	// time_signal whose segmentation type starts a break.
	OutOfNetwork bool
	// In is set for a splice_insert returning to the network, or a
	// time_signal whose segmentation type ends a break.
	In bool

	// Duration in seconds, from break_duration or segmentation_duration.
	Duration float64

	SegmentationTypeID uint8
}

// DecodeSCTE35String decodes a base64 or "0x" hex encoded splice_info_section.
func DecodeSCTE35String(s string) (SpliceInfo, error) {
	s = strings.TrimSpace(strings.Trim(s, `"`))
	var (
		b   []byte
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err = hex.DecodeString(s[2:])
	} else {
		b, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return SpliceInfo{}, fmt.Errorf("%w: %v", ErrSCTE35, err)
	}
	return DecodeSCTE35(b)
}

// DecodeSCTE35 reads a binary splice_info_section. CRC and encrypted
// sections are not checked.
func DecodeSCTE35(b []byte) (SpliceInfo, error) {
	r := &reader{b: b}
	var info SpliceInfo

	if r.u8() != tableID {
		return info, fmt.Errorf("%w: table_id is not 0xFC", ErrSCTE35)
	}
	r.skip(2)  // section_syntax_indicator, private_indicator, sap_type, section_length
	r.skip(1)  // protocol_version
	r.skip(5)  // encrypted_packet, encryption_algorithm, pts_adjustment
	r.skip(1)  // cw_index
	tierAndLen := r.u24()
	cmdLen := int(tierAndLen & 0xFFF)
	info.CommandType = r.u8()
	if r.err != nil {
		return info, r.err
	}

	cmdStart := r.pos
	switch info.CommandType {
	case CommandSpliceInsert:
		decodeSpliceInsert(r, &info)
	case CommandTimeSignal:
		spliceTime(r)
	}
	if r.err != nil {
		return info, r.err
	}
	if cmdLen != unspecifiedCommandLength {
		r.pos = cmdStart + cmdLen
	}

	loopLen := int(r.u16())
	if r.err != nil {
		// A section without a descriptor loop is still usable.
		return info, nil
	}
	end := r.pos + loopLen
	for r.pos+2 <= end && r.err == nil {
		tag := r.u8()
		length := int(r.u8())
		next := r.pos + length
		if tag == segmentationDescriptor && length >= 4 {
			decodeSegmentation(r, &info)
		}
		r.pos = next
	}
	return info, nil
}

func decodeSpliceInsert(r *reader, info *SpliceInfo) {
	info.EventID = r.u32()
	info.HasEventID = true
	if r.u8()&0x80 != 0 { // splice_event_cancel_indicator
		return
	}
	flags := r.u8()
	outOfNetwork := flags&0x80 != 0
	programSplice := flags&0x40 != 0
	durationFlag := flags&0x20 != 0
	immediate := flags&0x10 != 0

	info.OutOfNetwork = outOfNetwork
	info.In = !outOfNetwork

	if programSplice && !immediate {
		spliceTime(r)
	}
	if !programSplice {
		count := int(r.u8())
		for i := 0; i < count && r.err == nil; i++ {
			r.skip(1) // component_tag
			if !immediate {
				spliceTime(r)
			}
		}
	}
	if durationFlag {
		info.Duration = float64(r.u40()&0x1FFFFFFFF) / ticksPerSecond
	}
}

func decodeSegmentation(r *reader, info *SpliceInfo) {
	if r.u32() != cueIdentifier {
		return
	}
	id := r.u32()
	if r.u8()&0x80 != 0 { // segmentation_event_cancel_indicator
		return
	}
	flags := r.u8()
	programSegmentation := flags&0x80 != 0
	durationFlag := flags&0x40 != 0
	if !programSegmentation {
		count := int(r.u8())
		r.skip(6 * count)
	}
	var duration float64
	if durationFlag {
		duration = float64(r.u40()) / ticksPerSecond
	}
	r.skip(1) // segmentation_upid_type
	r.skip(int(r.u8()))
	typeID := r.u8()
	if r.err != nil {
		return
	}

	if !info.HasEventID {
		info.EventID = id
		info.HasEventID = true
	}
	if info.CommandType != CommandTimeSignal {
		return
	}
	info.SegmentationTypeID = typeID
	switch {
	case isBreakStart(typeID):
		info.OutOfNetwork = true
		if duration > 0 {
			info.Duration = duration
		}
	case isBreakEnd(typeID):
		info.In = true
	}
}

// Segmentation types that open an avail: break, provider/distributor
// advertisement, placement opportunity and overlay placement opportunity
// starts. Each matching end type is start+1.
func isBreakStart(t uint8) bool {
	switch t {
	case 0x22, 0x30, 0x32, 0x34, 0x36, 0x38, 0x3A, 0x44, 0x46:
		return true
	}
	return false
}

func isBreakEnd(t uint8) bool {
	return t > 0 && isBreakStart(t-1)
}

func spliceTime(r *reader) {
	if r.peek()&0x80 != 0 { // time_specified_flag
		r.skip(5)
		return
	}
	r.skip(1)
}

// reader is a bounds-checked big-endian cursor. After the first short read
// every accessor returns zero and err stays set.
type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated at byte %d", ErrSCTE35, r.pos)
		return false
	}
	return true
}

func (r *reader) skip(n int) {
	if r.need(n) {
		r.pos += n
	}
}

func (r *reader) peek() byte {
	if !r.need(1) {
		return 0
	}
	return r.b[r.pos]
}

func (r *reader) uint(n int) uint64 {
	if !r.need(n) {
		return 0
	}
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<8 | uint64(r.b[r.pos+i])
	}
	r.pos += n
	return v
}

func (r *reader) u8() uint8   { return uint8(r.uint(1)) }
func (r *reader) u16() uint16 { return uint16(r.uint(2)) }
func (r *reader) u24() uint32 { return uint32(r.uint(3)) }
func (r *reader) u32() uint32 { return uint32(r.uint(4)) }
func (r *reader) u40() uint64 { return r.uint(5) }
