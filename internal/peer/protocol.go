package peer

import (
	"bytes"
	"encoding/json"
	"strings"
)

type commandKind int

const (
	cmdSegmentData commandKind = iota
	cmdSegmentAbsent
	cmdSegmentsMap
	cmdSegmentRequest
	cmdCancelSegmentRequest
)

func (k commandKind) String() string {
	switch k {
	case cmdSegmentData:
		return "segment_data"
	case cmdSegmentAbsent:
		return "segment_absent"
	case cmdSegmentsMap:
		return "segments_map"
	case cmdSegmentRequest:
		return "segment_request"
	case cmdCancelSegmentRequest:
		return "cancel_segment_request"
	default:
		return "unknown"
	}
}

// command is the JSON envelope shared by all five commands.
// C is a pointer so a missing "c" is not read as SegmentData.
type command struct {
	C   *commandKind    `json:"c"`
	I   string          `json:"i,omitempty"`
	S   *int64          `json:"s,omitempty"`
	Src string          `json:"src,omitempty"`
	M   json.RawMessage `json:"m,omitempty"`
}

func newCommand(kind commandKind, id string) command {
	return command{C: &kind, I: id}
}

// decodeCommand never fails: a payload that is not a well-formed command
// yields a command with a nil kind, which callers ignore.
func decodeCommand(payload []byte) command {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return command{}
	}
	return cmd
}

// SegmentStatus is what a peer announces about a segment it knows.
type SegmentStatus int

const (
	StatusLoaded SegmentStatus = iota
	StatusLoadingByHTTP
)

func (s SegmentStatus) valid() bool {
	return s == StatusLoaded || s == StatusLoadingByHTTP
}

// SwarmSegments is one swarm's entry in a segments map announcement. On the
// wire it is ["id1|id2", [status1, status2]].
type SwarmSegments struct {
	IDs      []string
	Statuses []SegmentStatus
}

// MarshalJSON implements json.Marshaler.
func (s SwarmSegments) MarshalJSON() ([]byte, error) {
	statuses := s.Statuses
	if statuses == nil {
		statuses = []SegmentStatus{}
	}
	return json.Marshal([]any{strings.Join(s.IDs, "|"), statuses})
}

// SegmentsMapPayload maps a stream swarm id to the segments announced for it.
type SegmentsMapPayload map[string]SwarmSegments

var jsonNull = []byte("null")

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// decodeSegmentsMap converts an announced map into "<swarmId>+<segmentId>"
// keys. Any structural problem rejects the whole map: the result is empty,
// never partial.
func decodeSegmentsMap(raw json.RawMessage) map[string]SegmentStatus {
	empty := make(map[string]SegmentStatus)
	if len(raw) == 0 || isNull(raw) {
		return empty
	}

	var swarms map[string]json.RawMessage
	if err := json.Unmarshal(raw, &swarms); err != nil {
		return empty
	}

	out := make(map[string]SegmentStatus)
	for swarmID, data := range swarms {
		var pair []json.RawMessage
		if isNull(data) || json.Unmarshal(data, &pair) != nil || len(pair) != 2 {
			return empty
		}

		var ids string
		if isNull(pair[0]) || json.Unmarshal(pair[0], &ids) != nil {
			return empty
		}

		var statuses []json.RawMessage
		if isNull(pair[1]) || json.Unmarshal(pair[1], &statuses) != nil {
			return empty
		}

		idList := strings.Split(ids, "|")
		if len(idList) != len(statuses) {
			return empty
		}

		for i, rawStatus := range statuses {
			var f float64
			if isNull(rawStatus) || json.Unmarshal(rawStatus, &f) != nil {
				return empty
			}
			status := SegmentStatus(f)
			if float64(status) != f || !status.valid() {
				return empty
			}
			out[swarmID+"+"+idList[i]] = status
		}
	}
	return out
}

type frameKind int

const (
	frameInvalid frameKind = iota
	frameCommand
	frameChunk
)

// Framing separates JSON commands from raw chunk payloads on a transport that
// carries both as binary messages.
type Framing interface {
	EncodeCommand(payload []byte) []byte
	EncodeChunk(payload []byte) []byte
	Decode(msg []byte) (frameKind, []byte)
	// Overhead is the number of bytes framing adds to a chunk.
	Overhead() int
}

const (
	tagCommand byte = 0x01
	tagChunk   byte = 0x02
)

// TaggedFraming prefixes every message with a one-byte type tag.
type TaggedFraming struct{}

func (TaggedFraming) EncodeCommand(payload []byte) []byte { return tagged(tagCommand, payload) }

func (TaggedFraming) EncodeChunk(payload []byte) []byte { return tagged(tagChunk, payload) }

func (TaggedFraming) Decode(msg []byte) (frameKind, []byte) {
	if len(msg) == 0 {
		return frameInvalid, nil
	}
	switch msg[0] {
	case tagCommand:
		return frameCommand, msg[1:]
	case tagChunk:
		return frameChunk, msg[1:]
	default:
		return frameInvalid, nil
	}
}

func (TaggedFraming) Overhead() int { return 1 }

func tagged(tag byte, payload []byte) []byte {
	msg := make([]byte, len(payload)+1)
	msg[0] = tag
	copy(msg[1:], payload)
	return msg
}

// SniffFraming is the legacy untagged wire format: a message is a command iff
// it starts with `{"`, ends with `}` and parses as JSON. A chunk that happens
// to look like that is misread as a command.
type SniffFraming struct{}

func (SniffFraming) EncodeCommand(payload []byte) []byte { return payload }

func (SniffFraming) EncodeChunk(payload []byte) []byte { return payload }

func (SniffFraming) Decode(msg []byte) (frameKind, []byte) {
	if len(msg) >= 3 && msg[0] == '{' && msg[1] == '"' && msg[len(msg)-1] == '}' && json.Valid(msg) {
		return frameCommand, msg
	}
	return frameChunk, msg
}

func (SniffFraming) Overhead() int { return 0 }

// FramingByName returns the framing for "sniff", and TaggedFraming otherwise.
func FramingByName(name string) Framing {
	if strings.EqualFold(name, "sniff") {
		return SniffFraming{}
	}
	return TaggedFraming{}
}
