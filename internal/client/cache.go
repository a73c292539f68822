package client

import (
	"sort"
	"sync"

	"teleconsult-server/internal/models"
)

// Cache is the client's local copy of server state. Writers are the response handlers
// and the Syncer; nothing is ever written optimistically.
type Cache struct {
	mu           sync.RWMutex
	appointments map[string]models.Appointment
	sessions     map[string]models.Session
}

func NewCache() *Cache {
	return &Cache{
		appointments: make(map[string]models.Appointment),
		sessions:     make(map[string]models.Session),
	}
}

func (c *Cache) PutAppointment(a models.Appointment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appointments[a.ID] = a
}

func (c *Cache) DeleteAppointment(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.appointments, id)
}

// ReplaceAppointments swaps the cached set for list.
func (c *Cache) ReplaceAppointments(list []models.Appointment) {
	next := make(map[string]models.Appointment, len(list))
	for _, a := range list {
		next[a.ID] = a
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appointments = next
}

func (c *Cache) Appointment(id string) (models.Appointment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.appointments[id]
	return a, ok
}

// Appointments returns the cached appointments ordered by scheduled time.
func (c *Cache) Appointments() []models.Appointment {
	c.mu.RLock()
	list := make([]models.Appointment, 0, len(c.appointments))
	for _, a := range c.appointments {
		list = append(list, a)
	}
	c.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].ScheduledAt.Before(list[j].ScheduledAt)
	})
	return list
}

func (c *Cache) PutSession(s models.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.ID] = s
}

func (c *Cache) Session(id string) (models.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

// ActiveSessions returns the cached sessions still marked active.
func (c *Cache) ActiveSessions() []models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var list []models.Session
	for _, s := range c.sessions {
		if s.Status == models.SessionActive {
			list = append(list, s)
		}
	}
	return list
}
