// Package peer implements the segment exchange protocol spoken with one
// remote peer: JSON commands plus raw chunk messages over a message transport.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAlreadyDownloading is returned by RequestSegment while another
	// segment is outstanding on the same link.
	ErrAlreadyDownloading = errors.New("a segment is already downloading")

	// ErrTooManyBytes is reported when a peer sends more bytes than announced.
	ErrTooManyBytes = errors.New("too many bytes received for segment")

	// ErrInterrupted is reported when a command arrives mid-transfer.
	ErrInterrupted = errors.New("segment download is interrupted by a command")

	// ErrDestroyed is returned by send operations after Destroy.
	ErrDestroyed = errors.New("peer link destroyed")
)

// Transport carries discrete binary messages to one remote peer.
type Transport interface {
	Write(msg []byte) error
	// MaxMessageSize is the largest message the transport accepts, or 0 if
	// it imposes no limit of its own.
	MaxMessageSize() int
	Close() error
}

// Settings configures a Link.
type Settings struct {
	// SegmentDownloadTimeout bounds the wait between SegmentRequest and the
	// peer's SegmentData answer.
	SegmentDownloadTimeout time.Duration
	// MaxMessageSize caps each outgoing transport message.
	MaxMessageSize int
	Framing        Framing
	// LocalID is sent as the source of SegmentData commands.
	LocalID string
}

const (
	DefaultSegmentDownloadTimeout = 60 * time.Second
	DefaultMaxMessageSize         = 64*1024 - 1
)

type downloadingSegment struct {
	id            string
	size          int64
	bytesReceived int64
	chunks        [][]byte
}

// Link is the protocol engine for one connected peer. It tracks at most one
// segment being downloaded from the peer and the peer's announced segments.
type Link struct {
	id        string
	transport Transport
	settings  Settings
	log       *slog.Logger

	// sendMu keeps a SegmentData command and its chunks contiguous on the wire.
	sendMu sync.Mutex

	mu            sync.Mutex
	remoteAddress string
	downloadingID string
	downloading   *downloadingSegment
	segmentsMap   map[string]SegmentStatus
	timer         *time.Timer
	timerGen      uint64
	destroyed     bool

	subMu     sync.RWMutex
	listeners []Listener
}

// NewLink wraps transport. The caller feeds inbound traffic through
// HandleConnect, HandleMessage, HandleError and HandleClose.
func NewLink(id string, transport Transport, settings Settings, log *slog.Logger) *Link {
	if settings.SegmentDownloadTimeout <= 0 {
		settings.SegmentDownloadTimeout = DefaultSegmentDownloadTimeout
	}
	if settings.MaxMessageSize <= 0 {
		settings.MaxMessageSize = DefaultMaxMessageSize
	}
	if settings.Framing == nil {
		settings.Framing = TaggedFraming{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		id:          id,
		transport:   transport,
		settings:    settings,
		log:         log.With(slog.String("peer_id", id)),
		segmentsMap: make(map[string]SegmentStatus),
	}
}

// ID returns the remote peer id.
func (l *Link) ID() string { return l.id }

// RemoteAddress returns the address reported on connect.
func (l *Link) RemoteAddress() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteAddress
}

// DownloadingSegmentID returns the segment requested from this peer, or "".
func (l *Link) DownloadingSegmentID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.downloadingID
}

// SegmentsMap returns a copy of the peer's announced segments.
func (l *Link) SegmentsMap() map[string]SegmentStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]SegmentStatus, len(l.segmentsMap))
	for k, v := range l.segmentsMap {
		out[k] = v
	}
	return out
}

// SegmentStatus returns what the peer announced for id.
func (l *Link) SegmentStatus(id string) (SegmentStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.segmentsMap[id]
	return st, ok
}

// HandleConnect records the remote address and emits EventConnect.
func (l *Link) HandleConnect(remoteAddress string) {
	l.mu.Lock()
	l.remoteAddress = remoteAddress
	l.mu.Unlock()
	l.log.Debug("peer connect", slog.String("remote_address", remoteAddress))
	l.emit(Event{Kind: EventConnect, Link: l})
}

// HandleClose drops any download in progress and emits EventClose.
func (l *Link) HandleClose() {
	l.mu.Lock()
	l.terminateLocked()
	l.mu.Unlock()
	l.log.Debug("peer close")
	l.emit(Event{Kind: EventClose, Link: l})
}

// HandleError logs a transport error. The transport reports closure separately.
func (l *Link) HandleError(err error) {
	l.log.Debug("peer error", slog.String("error", err.Error()))
}

// HandleMessage processes one inbound transport message.
func (l *Link) HandleMessage(msg []byte) {
	kind, payload := l.settings.Framing.Decode(msg)

	l.mu.Lock()
	var events []Event
	switch kind {
	case frameChunk:
		events = l.receiveChunkLocked(payload)
	case frameCommand:
		events = l.receiveCommandLocked(decodeCommand(payload))
	default:
		l.log.Debug("peer sent unframed message", slog.Int("size", len(msg)))
	}
	l.mu.Unlock()

	l.emit(events...)
}

func (l *Link) receiveChunkLocked(data []byte) []Event {
	seg := l.downloading
	if seg == nil {
		l.log.Debug("peer segment not requested")
		return nil
	}

	seg.bytesReceived += int64(len(data))
	seg.chunks = append(seg.chunks, data)
	events := []Event{{Kind: EventBytesDownloaded, Link: l, SegmentID: seg.id, Bytes: len(data)}}

	switch {
	case seg.bytesReceived == seg.size:
		buf := make([]byte, 0, seg.size)
		for _, c := range seg.chunks {
			buf = append(buf, c...)
		}
		l.log.Debug("peer segment download done", slog.String("segment_id", seg.id))
		l.terminateLocked()
		events = append(events, Event{Kind: EventSegmentLoaded, Link: l, SegmentID: seg.id, Data: buf})
	case seg.bytesReceived > seg.size:
		l.log.Debug("peer segment download bytes mismatch", slog.String("segment_id", seg.id))
		l.terminateLocked()
		events = append(events, Event{Kind: EventSegmentError, Link: l, SegmentID: seg.id, Err: ErrTooManyBytes})
	}
	return events
}

func (l *Link) receiveCommandLocked(cmd command) []Event {
	var events []Event

	if l.downloading != nil {
		id := l.downloading.id
		l.log.Debug("peer segment download is interrupted by a command", slog.String("segment_id", id))
		l.terminateLocked()
		events = append(events, Event{Kind: EventSegmentError, Link: l, SegmentID: id, Err: ErrInterrupted})
	}

	if cmd.C == nil {
		l.log.Debug("peer sent malformed command")
		return events
	}

	switch *cmd.C {
	case cmdSegmentsMap:
		l.segmentsMap = decodeSegmentsMap(cmd.M)
		events = append(events, Event{Kind: EventDataUpdated, Link: l})

	case cmdSegmentRequest:
		events = append(events, Event{Kind: EventSegmentRequest, Link: l, SegmentID: cmd.I})

	case cmdSegmentData:
		if cmd.I == "" || cmd.S == nil || *cmd.S < 0 {
			l.log.Debug("peer sent invalid segment data header")
			return events
		}
		if l.downloadingID != "" && l.downloadingID != cmd.I {
			// Answer to a request cancelled earlier. Its chunks are dropped
			// as unrequested and the outstanding request keeps its timer.
			l.log.Debug("peer sent data for another segment",
				slog.String("segment_id", cmd.I),
				slog.String("downloading", l.downloadingID))
			return events
		}
		l.cancelTimerLocked()
		l.downloadingID = cmd.I
		l.downloading = &downloadingSegment{id: cmd.I, size: *cmd.S}
		l.log.Debug("peer segment download started",
			slog.String("segment_id", cmd.I),
			slog.Int64("size", *cmd.S),
			slog.String("src", cmd.Src))
		if *cmd.S == 0 {
			l.terminateLocked()
			events = append(events, Event{Kind: EventSegmentLoaded, Link: l, SegmentID: cmd.I, Data: []byte{}})
		}

	case cmdSegmentAbsent:
		if l.downloadingID != "" && l.downloadingID == cmd.I {
			l.terminateLocked()
			delete(l.segmentsMap, cmd.I)
			events = append(events, Event{Kind: EventSegmentAbsent, Link: l, SegmentID: cmd.I})
		}

	case cmdCancelSegmentRequest:
		l.log.Debug("peer cancelled segment request", slog.String("segment_id", cmd.I))

	default:
		l.log.Debug("peer sent unknown command", slog.Int("c", int(*cmd.C)))
	}
	return events
}

// RequestSegment asks the peer for id and starts the response timer.
func (l *Link) RequestSegment(id string) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrDestroyed
	}
	if l.downloadingID != "" {
		current := l.downloadingID
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDownloading, current)
	}
	l.downloadingID = id
	l.runResponseTimerLocked()
	gen := l.timerGen
	l.mu.Unlock()

	if err := l.sendCommand(newCommand(cmdSegmentRequest, id)); err != nil {
		l.mu.Lock()
		if l.downloadingID == id && l.timerGen == gen {
			l.terminateLocked()
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// CancelSegmentRequest abandons the outstanding download, tells the peer, and
// returns whatever chunks had arrived. It returns nil when nothing was
// outstanding.
func (l *Link) CancelSegmentRequest() [][]byte {
	l.mu.Lock()
	id, chunks, ok := l.abandonLocked()
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := l.sendCommand(newCommand(cmdCancelSegmentRequest, id)); err != nil {
		l.log.Debug("send cancel segment request failed", slog.String("error", err.Error()))
	}
	return chunks
}

func (l *Link) abandonLocked() (id string, chunks [][]byte, ok bool) {
	if l.downloadingID == "" {
		return "", nil, false
	}
	id = l.downloadingID
	if l.downloading != nil {
		chunks = l.downloading.chunks
	}
	l.terminateLocked()
	return id, chunks, true
}

// SendSegmentData announces the segment size and writes data in chunks no
// larger than the transport message limit.
func (l *Link) SendSegmentData(id string, data []byte) error {
	size := int64(len(data))
	cmd := newCommand(cmdSegmentData, id)
	cmd.S = &size
	cmd.Src = l.settings.LocalID

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode segment data header: %w", err)
	}

	chunkSize := l.chunkSize()

	l.sendMu.Lock()
	if err := l.write(l.settings.Framing.EncodeCommand(payload)); err != nil {
		l.sendMu.Unlock()
		return err
	}
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		if err := l.write(l.settings.Framing.EncodeChunk(data[off:end])); err != nil {
			l.sendMu.Unlock()
			return err
		}
	}
	l.sendMu.Unlock()

	l.emit(Event{Kind: EventBytesUploaded, Link: l, SegmentID: id, Bytes: len(data)})
	return nil
}

// SendSegmentsMap announces the segments this side can serve.
func (l *Link) SendSegmentsMap(m SegmentsMapPayload) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode segments map: %w", err)
	}
	cmd := newCommand(cmdSegmentsMap, "")
	cmd.M = raw
	return l.sendCommand(cmd)
}

// SendSegmentAbsent tells the peer id cannot be served.
func (l *Link) SendSegmentAbsent(id string) error {
	return l.sendCommand(newCommand(cmdSegmentAbsent, id))
}

// Destroy drops download bookkeeping and closes the transport.
func (l *Link) Destroy() error {
	l.mu.Lock()
	l.terminateLocked()
	l.destroyed = true
	l.mu.Unlock()
	l.log.Debug("peer destroy")
	return l.transport.Close()
}

func (l *Link) chunkSize() int {
	size := l.settings.MaxMessageSize
	if tm := l.transport.MaxMessageSize(); tm > 0 && tm < size {
		size = tm
	}
	size -= l.settings.Framing.Overhead()
	if size < 1 {
		size = 1
	}
	return size
}

func (l *Link) sendCommand(cmd command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", *cmd.C, err)
	}
	l.log.Debug("peer send command", slog.String("command", cmd.C.String()), slog.String("segment_id", cmd.I))

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.write(l.settings.Framing.EncodeCommand(payload))
}

func (l *Link) write(msg []byte) error {
	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	return l.transport.Write(msg)
}

func (l *Link) runResponseTimerLocked() {
	l.cancelTimerLocked()
	gen := l.timerGen
	l.timer = time.AfterFunc(l.settings.SegmentDownloadTimeout, func() {
		l.onResponseTimeout(gen)
	})
}

// cancelTimerLocked stops the timer and bumps the generation so a callback
// already waiting on mu becomes a no-op.
func (l *Link) cancelTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.timerGen++
}

func (l *Link) onResponseTimeout(gen uint64) {
	l.mu.Lock()
	if gen != l.timerGen {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	id, _, ok := l.abandonLocked()
	l.mu.Unlock()
	if !ok {
		return
	}

	if err := l.sendCommand(newCommand(cmdCancelSegmentRequest, id)); err != nil {
		l.log.Debug("send cancel segment request failed", slog.String("error", err.Error()))
	}
	l.log.Debug("peer segment request timed out", slog.String("segment_id", id))
	l.emit(Event{Kind: EventSegmentTimeout, Link: l, SegmentID: id})
}

func (l *Link) terminateLocked() {
	l.downloadingID = ""
	l.downloading = nil
	l.cancelTimerLocked()
}
