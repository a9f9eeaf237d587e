package notify

import (
	"sync"

	"github.com/classpulse/classpulse/internal/api"
)

// inbox holds the ordered record list and its unread counter. Every mutation
// adjusts the counter in the same critical section, which is what keeps
// unread == count(read=false) true after each operation.
type inbox struct {
	mu      sync.Mutex
	records []Record
	unread  int
}

// prepend inserts a new record at the head. A record whose id is already
// present is dropped so a replayed event cannot double-count.
func (b *inbox) prepend(rec Record) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.indexLocked(rec.ID) >= 0 {
		return false
	}
	b.records = append([]Record{rec}, b.records...)
	if !rec.Read {
		b.unread++
	}
	return true
}

// merge reconciles a REST fetch with the current state. Records are matched
// by identity; read state is monotonic, so a record either source reports as
// read stays read. Fetched records not yet present append in fetch order,
// records only known live keep their position.
func (b *inbox) merge(fetched []Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range fetched {
		i := b.indexLocked(f.ID)
		if i < 0 {
			b.records = append(b.records, f)
			if !f.Read {
				b.unread++
			}
			continue
		}
		read := b.records[i].Read || f.Read
		if read && !b.records[i].Read {
			b.unread--
		}
		f.Read = read
		if f.ReadAt == nil {
			f.ReadAt = b.records[i].ReadAt
		}
		b.records[i] = f
	}
	if b.unread < 0 {
		b.unread = 0
	}
}

// markRead flips one record to read. Reports whether anything changed.
func (b *inbox) markRead(id api.ID, at string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexLocked(id)
	if i < 0 || b.records[i].Read {
		return false
	}
	b.records[i].Read = true
	b.records[i].ReadAt = &at
	if b.unread > 0 {
		b.unread--
	}
	return true
}

// markAll flips every record to read and returns how many changed.
func (b *inbox) markAll(at string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	flipped := 0
	for i := range b.records {
		if !b.records[i].Read {
			b.records[i].Read = true
			b.records[i].ReadAt = &at
			flipped++
		}
	}
	b.unread = 0
	return flipped
}

// remove deletes one record. Reports whether it existed.
func (b *inbox) remove(id api.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.indexLocked(id)
	if i < 0 {
		return false
	}
	if !b.records[i].Read && b.unread > 0 {
		b.unread--
	}
	b.records = append(b.records[:i], b.records[i+1:]...)
	return true
}

// snapshot returns a copy of the list and the unread count.
func (b *inbox) snapshot() ([]Record, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out, b.unread
}

func (b *inbox) unreadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unread
}

func (b *inbox) indexLocked(id api.ID) int {
	for i := range b.records {
		if b.records[i].ID == id {
			return i
		}
	}
	return -1
}
