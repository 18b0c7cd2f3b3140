package fieldsync

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the canonical wire form of record timestamps, both in
// the local store's ts column and inside document TimeStamp fields.
const TimestampLayout = "2006-01-02T15:04:05Z"

// ExperimentSuffix marks local tables that hold experiment records. Tables
// without it are gateway bookkeeping and are never replicated.
const ExperimentSuffix = "_DATA"

// TrimExperimentSuffix returns the cloud-facing name of an experiment
// table. Cloud collections, archive keys and authority responses all use
// the trimmed form.
func TrimExperimentSuffix(name string) string {
	if len(name) >= len(ExperimentSuffix) && name[len(name)-len(ExperimentSuffix):] == ExperimentSuffix {
		return name[:len(name)-len(ExperimentSuffix)]
	}
	return name
}

// IsExperimentTable reports whether a local table name holds experiment
// records.
func IsExperimentTable(name string) bool {
	return len(name) > len(ExperimentSuffix) && name[len(name)-len(ExperimentSuffix):] == ExperimentSuffix
}

// Record is a single sensor document read from the local store.
//
// Fields holds the document as stored, after timestamp normalization.
// Timestamp is the parsed TimeStamp value and stays zero when the document
// has no TimeStamp or the text does not parse; TimestampText keeps the raw
// text either way so unparsable documents still upload unchanged.
type Record struct {
	Fields        map[string]any
	Timestamp     time.Time
	TimestampText string
	LLA           string
	Labels        []string
	LabelOptions  []string
}

// ParseRecord decodes a stored document into a Record.
//
// Documents written by older gateway firmware wrap timestamps in an
// extended-JSON envelope ({"$date": "..."}); ParseRecord unwraps those in
// place so every document leaves with a bare string TimeStamp. Sensor
// identity is lifted out of MetaData and labels out of SensorData when
// present.
func ParseRecord(doc []byte) (*Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("record: invalid document: %w", err)
	}

	rec := &Record{Fields: fields}

	if raw, ok := fields["TimeStamp"]; ok {
		text := unwrapTimestamp(raw)
		fields["TimeStamp"] = text
		rec.TimestampText = text
		if ts, err := time.Parse(TimestampLayout, text); err == nil {
			rec.Timestamp = ts
		}
	}

	if meta, ok := fields["MetaData"].(map[string]any); ok {
		if lla, ok := meta["LLA"].(string); ok {
			rec.LLA = lla
		}
	}
	if sensor, ok := fields["SensorData"].(map[string]any); ok {
		rec.Labels = stringSlice(sensor["Labels"])
		rec.LabelOptions = stringSlice(sensor["LabelOptions"])
	}

	return rec, nil
}

// unwrapTimestamp flattens a TimeStamp value to its string form. Envelope
// values keep the inner text verbatim, with no reformatting.
func unwrapTimestamp(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if inner, ok := t["$date"].(string); ok {
			return inner
		}
	}
	return fmt.Sprintf("%v", v)
}

// stringSlice converts a decoded JSON array to []string, dropping entries
// of any other type. Returns nil when v is not an array.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// CloudDocument renders the record for upload. It returns a shallow copy
// of Fields with a fresh document id and UniqueID injected, leaving the
// receiver untouched. Identity is generated per call, so the same local
// record uploads under new ids when it is ever resent.
func (r *Record) CloudDocument() map[string]any {
	doc := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		doc[k] = v
	}
	doc["_id"] = newDocumentID()
	doc["UniqueID"] = uuid.NewString()
	return doc
}

// newDocumentID returns a 24 character hex identifier with a big-endian
// unix-second prefix, so lexical order roughly follows insert time.
func newDocumentID() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], uint32(time.Now().Unix()))
	_, _ = rand.Read(b[4:]) // crypto/rand does not fail on supported platforms
	return hex.EncodeToString(b[:])
}
