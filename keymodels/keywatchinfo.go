package keymodels

type EventType int

const (
	PutEvent EventType = iota
	DeleteEvent
)

func (t EventType) String() string {
	if t == DeleteEvent {
		return "DELETE"
	}
	return "PUT"
}

/*
A single change delivered by a watch, in the order the server produced it.
*/
type WatchEvent struct {
	Type           EventType
	Key            string
	//Empty for deletions
	Value          string
	Version        int64
	CreateRevision int64
	//Revision of the store at which the change happened
	ModRevision    int64
	Lease          int64
	//Only set when the watch was created with PrevKv
	PrevValue      string
	HasPrev        bool
}

func (ev *WatchEvent) IsDeletion() bool {
	return ev.Type == DeleteEvent
}

/*
Changes of a watch notification grouped by key
*/
type WatchInfo struct {
	Upserts   map[string]WatchEvent
	Deletions []string
}

func NewWatchInfo(events []WatchEvent) WatchInfo {
	info := WatchInfo{
		Upserts:   make(map[string]WatchEvent),
		Deletions: []string{},
	}
	for _, ev := range events {
		if ev.IsDeletion() {
			delete(info.Upserts, ev.Key)
			info.Deletions = append(info.Deletions, ev.Key)
			continue
		}
		info.Upserts[ev.Key] = ev
	}
	return info
}

/*
Applies the changes on a map of key values, as returned by GetGroupMembers for instance
*/
func (info *WatchInfo) ApplyOn(values map[string]string) {
	for _, key := range info.Deletions {
		delete(values, key)
	}

	for key, ev := range info.Upserts {
		values[key] = ev.Value
	}
}
