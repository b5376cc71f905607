package vmfs

import (
	"sync"
	"time"

	"github.com/google/uuid"
	satoriuuid "github.com/satori/go.uuid"
)

// Host is this process's identity for cluster-locking purposes: a random
// UUID generated once and a process start time used to compute the uptime
// recorded into heartbeat slots. spec.md §9 calls for this to be modeled as
// an immutable value passed by handle, not thread-locals; hostOnce below is
// the one piece of process-wide state, and it is initialized lazily on
// first Open so a program that never opens a filesystem never pays for it.
type Host struct {
	UUID  uuid.UUID
	Start time.Time
}

var (
	hostOnce  sync.Once
	hostValue Host
)

// CurrentHost returns this process's Host identity, generating it on first
// call and reusing it thereafter.
func CurrentHost() Host {
	hostOnce.Do(func() {
		hostValue = Host{
			UUID:  uuid.New(),
			Start: time.Now(),
		}
	})
	return hostValue
}

// Uptime returns how long this process has held its identity, in
// microseconds, the unit heartbeat slots are stamped with.
func (h Host) Uptime() uint64 {
	return uint64(time.Since(h.Start).Microseconds())
}

// VMFSUUID renders this host's identity in the satori/go.uuid form every
// on-disk UUID field in this package (heartbeat slots, metadata headers)
// is typed with. google/uuid generates the process identity; satori/go.uuid
// is the on-disk wire type, so every stamping site converts through here.
func (h Host) VMFSUUID() satoriuuid.UUID {
	var u satoriuuid.UUID
	copy(u[:], h.UUID[:])
	return u
}
