package request

import "time"

// Status is a point-in-time snapshot, used by the status cache and durable storage.
type Status struct {
	Options        Options
	Started        bool
	Finished       bool
	Succeeded      bool
	Failure        *Failure
	ContentType    string
	DataLength     int64
	GeneratedURI   string
	Progress       *Progress
	StartTime      time.Time
	LastActivity   time.Time
	CompletionTime time.Time
}

func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Options:        r.opts,
		Started:        r.started,
		Finished:       r.finished,
		Succeeded:      r.succeeded,
		ContentType:    r.contentType,
		DataLength:     r.dataLength,
		GeneratedURI:   r.generatedURI,
		StartTime:      r.startTime,
		LastActivity:   r.lastActivity,
		CompletionTime: r.completionTime,
	}
	if r.failure != nil {
		f := *r.failure
		st.Failure = &f
	}
	if r.progress != nil {
		p := *r.progress
		st.Progress = &p
	}
	return st
}

// DataSnapshot copies the owned payload for durable storage. Nil when nothing is held.
func (r *Record) DataSnapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	data, err := r.data.Bytes()
	if err != nil {
		return nil
	}
	return data
}
