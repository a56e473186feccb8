// Package clock provides the server-side timestamp source for the change log.
package clock

import (
	"sync"
	"time"
)

// Clock выдает строго возрастающие метки времени в миллисекундах.
// Если системное время отстает или не изменилось, метка все равно
// увеличивается на единицу относительно предыдущей.
type Clock struct {
	now  func() time.Time
	last int64
	mu   sync.Mutex
}

// New создает часы, продолжающие отсчет от last (например, максимальной
// метки, уже сохраненной в журнале изменений).
func New(last int64) *Clock {
	return &Clock{now: time.Now, last: last}
}

// NewWithSource создает часы с заданным источником времени. Используется в тестах.
func NewWithSource(last int64, now func() time.Time) *Clock {
	return &Clock{now: now, last: last}
}

// Tick возвращает новую метку: max(текущее время, предыдущая метка + 1).
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe сдвигает часы вперед, если встретилась метка больше текущей.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts > c.last {
		c.last = ts
	}
}

// Last возвращает последнюю выданную метку без изменения состояния.
func (c *Clock) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}
