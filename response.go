package ts3query

import (
	"strconv"
	"strings"
)

// Response is the successful result of a Command: the records the server
// sent before its terminal status line, in arrival order. Commands without
// tabular output produce a Response with no records.
type Response struct {
	Records []Record
}

// First returns the first record, or nil when the response is empty.
func (r Response) First() Record {
	if len(r.Records) == 0 {
		return nil
	}
	return r.Records[0]
}

// Len returns the number of records.
func (r Response) Len() int {
	return len(r.Records)
}

const (
	notifyPrefix = "notify"
	statusPrefix = "error"
)

type unitKind int

const (
	unitFragment unitKind = iota
	unitStatus
	unitNotification
)

// decodedUnit is one classified incoming line.
type decodedUnit struct {
	kind unitKind

	// fragment and notification payload
	records []Record

	// notification wire name, without the prefix
	event string

	// status; err is nil for id=0
	err error
}

// decodeLine classifies a raw line. It never drops content: a status line
// that cannot be read decodes to a MalformedResponseError.
func decodeLine(line string) decodedUnit {
	head, rest, _ := strings.Cut(line, " ")

	switch {
	case head == statusPrefix:
		return decodedUnit{kind: unitStatus, err: decodeStatus(line, rest)}
	case strings.HasPrefix(head, notifyPrefix) && len(head) > len(notifyPrefix) && !strings.Contains(head, "="):
		return decodedUnit{
			kind:    unitNotification,
			event:   strings.TrimPrefix(head, notifyPrefix),
			records: notificationRecords(rest),
		}
	default:
		return decodedUnit{kind: unitFragment, records: ParseRecords(line)}
	}
}

// notificationRecords parses a payload. A notification without fields still
// yields one empty record so that it is delivered.
func notificationRecords(payload string) []Record {
	records := ParseRecords(payload)
	if len(records) == 0 {
		return []Record{{}}
	}
	return records
}

func decodeStatus(line, fields string) error {
	rec := parseRecord(fields)

	idValue, ok := rec.Get("id")
	if !ok {
		return &MalformedResponseError{Line: line, Reason: "status without id"}
	}
	id, err := strconv.Atoi(idValue)
	if err != nil {
		return &MalformedResponseError{Line: line, Reason: "non-numeric status id"}
	}
	if id == 0 {
		return nil
	}

	pErr := &ProtocolError{
		ID:           id,
		Message:      rec.Value("msg"),
		ExtraMessage: rec.Value("extra_msg"),
	}
	if perm, ok := rec.Get("failed_permid"); ok {
		n, err := strconv.Atoi(perm)
		if err != nil {
			return &MalformedResponseError{Line: line, Reason: "non-numeric failed_permid"}
		}
		pErr.FailedPermID = n
	}
	return pErr
}

// assembler collects the fragments of the response currently being received.
type assembler struct {
	records []Record
}

func (a *assembler) add(records []Record) {
	a.records = append(a.records, records...)
}

// finish packages the collected records and resets the assembler for the
// next response.
func (a *assembler) finish() Response {
	res := Response{Records: a.records}
	a.records = nil
	return res
}
