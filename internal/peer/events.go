package peer

// EventKind enumerates everything a Link reports to its subscribers.
type EventKind int

const (
	EventConnect EventKind = iota
	EventClose
	EventDataUpdated
	EventSegmentRequest
	EventSegmentAbsent
	EventSegmentLoaded
	EventSegmentError
	EventSegmentTimeout
	EventBytesDownloaded
	EventBytesUploaded
)

var eventNames = [...]string{
	EventConnect:         "connect",
	EventClose:           "close",
	EventDataUpdated:     "data-updated",
	EventSegmentRequest:  "segment-request",
	EventSegmentAbsent:   "segment-absent",
	EventSegmentLoaded:   "segment-loaded",
	EventSegmentError:    "segment-error",
	EventSegmentTimeout:  "segment-timeout",
	EventBytesDownloaded: "bytes-downloaded",
	EventBytesUploaded:   "bytes-uploaded",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[k]
}

// Event carries the fields relevant to its Kind; the rest are zero.
type Event struct {
	Kind      EventKind
	Link      *Link
	SegmentID string
	// Data is the assembled payload for EventSegmentLoaded.
	Data []byte
	// Bytes counts the chunk or segment for the bytes-* events.
	Bytes int
	Err   error
}

// Listener receives events synchronously, in the order the link produced them.
// It may call back into the link.
type Listener func(Event)

// Subscribe registers fn for every future event.
func (l *Link) Subscribe(fn Listener) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Link) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	l.subMu.RLock()
	listeners := make([]Listener, len(l.listeners))
	copy(listeners, l.listeners)
	l.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}
