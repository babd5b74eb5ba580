package keymodels

import (
	"time"
)

/*
Lease granted by the server
*/
type Lease struct {
	ID        int64
	//Ttl granted by the server, in seconds
	Ttl       int64
	Timestamp time.Time
	Revision  int64
}

/*
Returns the time after which the lease is expired if it is never renewed.
*/
func (l *Lease) Deadline() time.Time {
	return l.Timestamp.Add(time.Duration(l.Ttl) * time.Second)
}
