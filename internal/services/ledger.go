package services

import (
	"time"

	"gorm.io/gorm"

	"glowledger_app/internal/config"
	"glowledger_app/internal/models"
)

// deps is shared by every component of the ledger.
type deps struct {
	db    *gorm.DB
	cfg   config.Config
	loc   *time.Location
	cache *RedisCache
	bus   *EventBus
	now   func() time.Time
}

func (d *deps) clock() time.Time {
	return d.now().UTC()
}

// Ledger groups the booking and rewards components over one store.
type Ledger struct {
	d *deps

	Events       *EventBus
	Clients      *ClientService
	Catalog      *CatalogService
	Availability *AvailabilityService
	Packages     *PackageService
	Scheduler    *SchedulerService
	Loyalty      *LoyaltyService
	Rewards      *RewardService
	Referrals    *ReferralService
	Reviews      *ReviewService
	Rankings     *RankingService
	Payments     *PaymentService
}

// NewLedger wires the components and subscribes the in-process event consumers.
// cache may be nil.
func NewLedger(db *gorm.DB, cfg config.Config, cache *RedisCache) *Ledger {
	d := &deps{
		db:    db,
		cfg:   cfg,
		loc:   cfg.Business.Location(),
		cache: cache,
		now:   time.Now,
	}
	d.bus = NewEventBus(d)

	l := &Ledger{d: d, Events: d.bus}
	l.Loyalty = &LoyaltyService{deps: d}
	l.Referrals = &ReferralService{deps: d, loyalty: l.Loyalty}
	l.Clients = &ClientService{deps: d, referrals: l.Referrals}
	l.Catalog = &CatalogService{deps: d}
	l.Availability = &AvailabilityService{deps: d}
	l.Packages = &PackageService{deps: d, clients: l.Clients}
	l.Scheduler = &SchedulerService{deps: d, availability: l.Availability, packages: l.Packages, clients: l.Clients}
	l.Rewards = &RewardService{deps: d, loyalty: l.Loyalty}
	l.Reviews = &ReviewService{deps: d, loyalty: l.Loyalty}
	l.Rankings = &RankingService{deps: d}
	l.Payments = &PaymentService{deps: d, clients: l.Clients}

	d.bus.Subscribe(models.EventAppointmentCompleted, l.Loyalty.onAppointmentCompleted)
	d.bus.Subscribe(models.EventAppointmentCompleted, l.Referrals.onAppointmentCompleted)
	return l
}

// SetClock replaces the time source of every component.
func (l *Ledger) SetClock(now func() time.Time) {
	l.d.now = now
}

// Location is the business timezone.
func (l *Ledger) Location() *time.Location {
	return l.d.loc
}

// DB exposes the underlying store for infrastructure code such as the worker.
func (l *Ledger) DB() *gorm.DB {
	return l.d.db
}

// Config returns the configuration the ledger was built with.
func (l *Ledger) Config() config.Config {
	return l.d.cfg
}

// Now is the ledger's current time in UTC.
func (l *Ledger) Now() time.Time {
	return l.d.clock()
}
