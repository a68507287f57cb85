// Package burnrate tracks each owner's consumption rate over a trailing
// window using fixed-size per-minute buckets, so memory stays bounded by the
// window length no matter how many debits flow through.
package burnrate

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/owner"
)

// WindowMinutes is the trailing window length. One bucket per minute.
const WindowMinutes = 60

type bucket struct {
	minute int64
	sum    decimal.Decimal
}

// ring is one owner's circular buffer. Buckets are addressed by
// minute % WindowMinutes; a bucket holding an out-of-window minute is stale
// and gets overwritten on write or skipped on read.
type ring struct {
	buckets [WindowMinutes]bucket
	ref     owner.Ref
}

func (r *ring) add(minute int64, amount decimal.Decimal) {
	b := &r.buckets[minute%WindowMinutes]
	if b.minute != minute {
		b.minute = minute
		b.sum = decimal.Zero
	}
	b.sum = b.sum.Add(amount)
}

func (r *ring) sum(nowMinute int64) decimal.Decimal {
	oldest := nowMinute - WindowMinutes + 1
	total := decimal.Zero
	for i := range r.buckets {
		b := r.buckets[i]
		if b.minute >= oldest && b.minute <= nowMinute {
			total = total.Add(b.sum)
		}
	}
	return total
}

func (r *ring) idleSince(nowMinute int64) bool {
	oldest := nowMinute - WindowMinutes + 1
	for i := range r.buckets {
		if r.buckets[i].minute >= oldest {
			return false
		}
	}
	return true
}

type Tracker struct {
	mu     sync.Mutex
	owners map[string]*ring
}

func NewTracker() *Tracker {
	return &Tracker{owners: make(map[string]*ring)}
}

func minuteOf(at time.Time) int64 { return at.Unix() / 60 }

// Record adds the amount to the owner's bucket for at. Events older than the
// window relative to previously recorded ones simply land in stale buckets
// and never surface in a read.
func (t *Tracker) Record(ref owner.Ref, amount decimal.Decimal, at time.Time) {
	if ref.Validate() != nil || !amount.IsPositive() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := ref.Key()
	r, ok := t.owners[key]
	if !ok {
		r = &ring{ref: ref}
		t.owners[key] = r
	}
	r.add(minuteOf(at), amount)
}

// CurrentRate is the owner's consumption inside [at - window, at].
func (t *Tracker) CurrentRate(ref owner.Ref, at time.Time) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.owners[ref.Key()]
	if !ok {
		return decimal.Zero
	}
	return r.sum(minuteOf(at))
}

// Rate is one owner's trailing-window consumption at a point in time.
type Rate struct {
	Owner    owner.Ref
	Consumed decimal.Decimal
}

// ActiveRates returns the rate of every owner with in-window consumption and
// prunes owners whose entire ring has gone stale, keeping the tracker's
// footprint proportional to currently active owners.
func (t *Tracker) ActiveRates(at time.Time) []Rate {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMinute := minuteOf(at)
	rates := make([]Rate, 0, len(t.owners))
	for key, r := range t.owners {
		if r.idleSince(nowMinute) {
			delete(t.owners, key)
			continue
		}
		consumed := r.sum(nowMinute)
		if consumed.IsZero() {
			continue
		}
		rates = append(rates, Rate{Owner: r.ref, Consumed: consumed})
	}
	return rates
}
