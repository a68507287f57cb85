package clock

import "time"

// Clock abstracts time.Now so schedulers and guards can be tested
// against a controlled clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewSystemClock() Clock { return systemClock{} }
