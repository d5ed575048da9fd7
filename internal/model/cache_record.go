package model

// EventCacheRecord is the persisted event history of one subject.
type EventCacheRecord struct {
	Events                []RewardEvent `json:"events"`
	FirstEventTimestampMs *uint64       `json:"first_event_timestamp_ms"`
	LastFetchMs           int64         `json:"last_fetch_ms"`

	// Recovered is set when the stored blob could not be read and was replaced by an empty record.
	Recovered bool `json:"-"`
}

// EmptyCacheRecord returns a record with no events.
func EmptyCacheRecord() EventCacheRecord {
	return EventCacheRecord{Events: []RewardEvent{}}
}

// Clone returns a copy whose event slice can be handed out read-only.
func (r EventCacheRecord) Clone() EventCacheRecord {
	out := r
	out.Events = append([]RewardEvent(nil), r.Events...)
	if r.FirstEventTimestampMs != nil {
		ts := *r.FirstEventTimestampMs
		out.FirstEventTimestampMs = &ts
	}
	return out
}

// LastEvent returns the highest cached event.
func (r EventCacheRecord) LastEvent() (RewardEvent, bool) {
	if len(r.Events) == 0 {
		return RewardEvent{}, false
	}
	return r.Events[len(r.Events)-1], true
}
