package fieldsync

import "sort"

// LabelSnapshot tracks, per sensor, the newest record seen while streaming
// an experiment. Once the experiment's documents are uploaded, the snapshot
// drives label backfill: every cloud document of a sensor is stamped with
// the label state of that sensor's most recent record, so label edits made
// on the gateway reach documents uploaded earlier in the same pass.
//
// Records are streamed in timestamp order and later observations replace
// earlier ones, which makes the surviving entry the chronologically newest.
type LabelSnapshot struct {
	last map[string]*Record
}

// NewLabelSnapshot returns an empty snapshot.
func NewLabelSnapshot() *LabelSnapshot {
	return &LabelSnapshot{last: make(map[string]*Record)}
}

// Observe notes rec as its sensor's latest sighting. Records missing a
// TimeStamp field or a sensor address are not tracked; they still upload,
// they just cannot drive label backfill.
func (s *LabelSnapshot) Observe(rec *Record) {
	if rec.LLA == "" || rec.TimestampText == "" {
		return
	}
	s.last[rec.LLA] = rec
}

// Sensors returns the observed sensor addresses, sorted.
func (s *LabelSnapshot) Sensors() []string {
	sensors := make([]string, 0, len(s.last))
	for lla := range s.last {
		sensors = append(sensors, lla)
	}
	sort.Strings(sensors)
	return sensors
}

// Record returns the newest observed record of a sensor, or nil when the
// sensor was never observed.
func (s *LabelSnapshot) Record(lla string) *Record {
	return s.last[lla]
}

// Len returns the number of distinct sensors observed.
func (s *LabelSnapshot) Len() int {
	return len(s.last)
}
