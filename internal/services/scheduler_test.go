package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"glowledger_app/internal/models"
)

func TestConcurrentBookingOfOneSlot(t *testing.T) {
	f := newTestLedger(t)
	const n = 5
	clients := make([]*models.Client, n)
	for i := range clients {
		clients[i] = f.client(t, fmt.Sprintf("Client%d", i))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.Scheduler.CreateAppointment(context.Background(), CreateAppointmentInput{
				ClientID:    clients[i].ID,
				ServiceID:   f.service.ID,
				ScheduledAt: at(10),
			})
		}(i)
	}
	wg.Wait()

	won := 0
	for i, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrSlotUnavailable):
		default:
			t.Errorf("client %d: unexpected error %v", i, err)
		}
	}
	if won != 1 {
		t.Fatalf("%d bookings succeeded, want exactly 1", won)
	}

	var active int64
	f.ledger.DB().Model(&models.Appointment{}).
		Where("scheduled_at = ? AND status IN ?", at(10), models.ActiveSlotStatuses).
		Count(&active)
	if active != 1 {
		t.Errorf("%d active appointments in the slot", active)
	}
}

func TestCreateAppointmentValidation(t *testing.T) {
	f := newTestLedger(t)
	ana := f.client(t, "Ana")
	tests := []struct {
		name string
		in   CreateAppointmentInput
		want error
	}{
		{"missing service", CreateAppointmentInput{ClientID: ana.ID, ScheduledAt: at(10)}, ErrInvalidInput},
		{"home visit without address", CreateAppointmentInput{ClientID: ana.ID, ServiceID: f.service.ID, ScheduledAt: at(10), Location: models.AppointmentLocationHomeSpa}, ErrInvalidInput},
		{"off grid", CreateAppointmentInput{ClientID: ana.ID, ServiceID: f.service.ID, ScheduledAt: at(10).Add(15 * time.Minute)}, ErrSlotUnavailable},
		{"during break", CreateAppointmentInput{ClientID: ana.ID, ServiceID: f.service.ID, ScheduledAt: at(12)}, ErrSlotUnavailable},
		{"in the past", CreateAppointmentInput{ClientID: ana.ID, ServiceID: f.service.ID, ScheduledAt: at(9).AddDate(0, 0, -7)}, ErrSlotUnavailable},
		{"unknown service", CreateAppointmentInput{ClientID: ana.ID, ServiceID: 999, ScheduledAt: at(10)}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Scheduler.CreateAppointment(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateAppointmentEndFollowsServiceLength(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	scrub, err := f.ledger.Catalog.CreateService(ctx, ServiceInput{Name: "Body scrub", DurationMinutes: 90, Price: 150000, Active: true})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		want  error
	}{
		{"shorter than the service", at(9), at(9).Add(time.Minute), ErrInvalidInput},
		{"past closing", at(16), at(22), ErrInvalidInput},
		{"longer than the service", at(13), at(16), ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Scheduler.CreateAppointment(ctx, CreateAppointmentInput{
				ClientID: ana.ID, ServiceID: scrub.ID, ScheduledAt: tt.start, EndAt: tt.end,
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	// the derived end runs past closing or into the break
	for _, hour := range []int{11, 16} {
		if _, err := f.ledger.Scheduler.CreateAppointment(ctx, CreateAppointmentInput{ClientID: ana.ID, ServiceID: scrub.ID, ScheduledAt: at(hour)}); !errors.Is(err, ErrSlotUnavailable) {
			t.Errorf("%02d:00 err = %v, want ErrSlotUnavailable", hour, err)
		}
	}

	appt, err := f.ledger.Scheduler.CreateAppointment(ctx, CreateAppointmentInput{
		ClientID: ana.ID, ServiceID: scrub.ID, ScheduledAt: at(13), EndAt: at(13).Add(90 * time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}
	if !appt.EndAt.Equal(at(13).Add(90 * time.Minute)) {
		t.Errorf("end = %s", appt.EndAt)
	}
	// 14:00 is still inside the scrub
	budi := f.client(t, "Budi")
	if _, err := f.ledger.Scheduler.CreateAppointment(ctx, CreateAppointmentInput{ClientID: budi.ID, ServiceID: f.service.ID, ScheduledAt: at(14)}); !errors.Is(err, ErrSlotUnavailable) {
		t.Errorf("14:00 err = %v, want ErrSlotUnavailable", err)
	}
}

func TestConcurrentBookingsOnOnePackage(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	opt, err := f.ledger.Catalog.CreatePackageOption(ctx, PackageOptionInput{ServiceID: f.service.ID, Sessions: 2, Price: 180000})
	if err != nil {
		t.Fatalf("CreatePackageOption: %v", err)
	}
	pkg, err := f.ledger.Packages.GrantPackage(ctx, ana.ID, opt.ID)
	if err != nil {
		t.Fatalf("GrantPackage: %v", err)
	}

	hours := []int{9, 10, 11, 13, 14, 15}
	var wg sync.WaitGroup
	errs := make([]error, len(hours))
	for i, hour := range hours {
		wg.Add(1)
		go func(i, hour int) {
			defer wg.Done()
			_, errs[i] = f.ledger.Scheduler.CreateAppointment(ctx, CreateAppointmentInput{
				ClientID:    ana.ID,
				ServiceID:   f.service.ID,
				ScheduledAt: at(hour),
				PackageID:   &pkg.ID,
			})
		}(i, hour)
	}
	wg.Wait()

	won := 0
	for i, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrPackageExhausted):
		default:
			t.Errorf("%02d:00: unexpected error %v", hours[i], err)
		}
	}
	if won != 2 {
		t.Errorf("%d bookings succeeded, want 2", won)
	}

	var got models.Package
	if err := f.ledger.DB().First(&got, pkg.ID).Error; err != nil {
		t.Fatalf("reload package: %v", err)
	}
	if got.UsedSessions != got.TotalSessions || got.Status != models.PackageStatusCompleted {
		t.Fatalf("package used %d/%d status %s", got.UsedSessions, got.TotalSessions, got.Status)
	}
}

func TestPackageCreditLifecycle(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")

	opt, err := f.ledger.Catalog.CreatePackageOption(ctx, PackageOptionInput{ServiceID: f.service.ID, Sessions: 5, Price: 400000, ValidityDays: 90})
	if err != nil {
		t.Fatalf("CreatePackageOption: %v", err)
	}
	pkg, err := f.ledger.Packages.GrantPackage(ctx, ana.ID, opt.ID)
	if err != nil {
		t.Fatalf("GrantPackage: %v", err)
	}

	bookWithPackage := func(when time.Time) (*models.Appointment, error) {
		return f.ledger.Scheduler.CreateAppointment(ctx, CreateAppointmentInput{
			ClientID:    ana.ID,
			ServiceID:   f.service.ID,
			ScheduledAt: when,
			PackageID:   &pkg.ID,
		})
	}
	reload := func() models.Package {
		var p models.Package
		if err := f.ledger.DB().First(&p, pkg.ID).Error; err != nil {
			t.Fatalf("reload package: %v", err)
		}
		return p
	}

	hours := []int{9, 10, 11, 13}
	for _, h := range hours {
		appt, err := bookWithPackage(at(h))
		if err != nil {
			t.Fatalf("book %02d:00: %v", h, err)
		}
		if appt.Status != models.AppointmentStatusConfirmed {
			t.Errorf("package booking status = %s, want CONFIRMED", appt.Status)
		}
	}
	if p := reload(); p.UsedSessions != 4 || p.Status != models.PackageStatusActive {
		t.Fatalf("after 4 bookings: used=%d status=%s", p.UsedSessions, p.Status)
	}

	last, err := bookWithPackage(at(14))
	if err != nil {
		t.Fatalf("fifth booking: %v", err)
	}
	if p := reload(); p.UsedSessions != 5 || p.Status != models.PackageStatusCompleted {
		t.Fatalf("after 5 bookings: used=%d status=%s", p.UsedSessions, p.Status)
	}

	if _, err := bookWithPackage(at(15)); !errors.Is(err, ErrPackageExhausted) {
		t.Fatalf("sixth booking err = %v, want ErrPackageExhausted", err)
	}

	if _, err := f.ledger.Scheduler.CancelAppointment(ctx, CancelInput{AppointmentID: last.ID, ActorClientID: ana.ID}); err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}
	if p := reload(); p.UsedSessions != 4 || p.Status != models.PackageStatusActive {
		t.Fatalf("after cancel: used=%d status=%s", p.UsedSessions, p.Status)
	}

	// the freed slot and credit can be used again
	if _, err := bookWithPackage(at(14)); err != nil {
		t.Fatalf("rebook after cancel: %v", err)
	}
}

func TestPackageExpiry(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	opt, err := f.ledger.Catalog.CreatePackageOption(ctx, PackageOptionInput{ServiceID: f.service.ID, Sessions: 3, Price: 0, ValidityDays: 7})
	if err != nil {
		t.Fatalf("CreatePackageOption: %v", err)
	}
	pkg, err := f.ledger.Packages.GrantPackage(ctx, ana.ID, opt.ID)
	if err != nil {
		t.Fatalf("GrantPackage: %v", err)
	}

	expired, err := f.ledger.Packages.ExpirePackages(ctx, monday.AddDate(0, 0, 8))
	if err != nil || expired != 1 {
		t.Fatalf("ExpirePackages = %d, %v; want 1", expired, err)
	}
	*f.now = monday.AddDate(0, 0, 14)
	_, err = f.ledger.Scheduler.CreateAppointment(ctx, CreateAppointmentInput{
		ClientID:    ana.ID,
		ServiceID:   f.service.ID,
		ScheduledAt: at(10).AddDate(0, 0, 14),
		PackageID:   &pkg.ID,
	})
	if !errors.Is(err, ErrPackageNotActive) {
		t.Fatalf("booking with expired package err = %v, want ErrPackageNotActive", err)
	}
}

func TestBalancePaymentAndRefund(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")

	book := func() (*models.Appointment, error) {
		return f.ledger.Scheduler.CreateAppointment(ctx, CreateAppointmentInput{
			ClientID:       ana.ID,
			ServiceID:      f.service.ID,
			ScheduledAt:    at(10),
			PayFromBalance: true,
		})
	}
	if _, err := book(); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if _, err := f.ledger.Clients.AdjustBalance(ctx, ana.ID, 150000, "top up"); err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	appt, err := book()
	if err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}
	if appt.Status != models.AppointmentStatusConfirmed || appt.AmountPaid != 100000 {
		t.Errorf("status=%s paid=%d", appt.Status, appt.AmountPaid)
	}
	if got := f.balance(t, ana.ID); got != 50000 {
		t.Errorf("balance after booking = %d, want 50000", got)
	}

	if _, err := f.ledger.Scheduler.CancelAppointment(ctx, CancelInput{AppointmentID: appt.ID, ActorClientID: ana.ID}); err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}
	if got := f.balance(t, ana.ID); got != 150000 {
		t.Errorf("balance after cancel = %d, want 150000", got)
	}

	if _, err := f.ledger.Clients.AdjustBalance(ctx, ana.ID, -200000, "mistake"); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("negative adjustment err = %v, want ErrInsufficientBalance", err)
	}
}

func TestCancelRules(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	budi := f.client(t, "Budi")
	appt := f.book(t, ana.ID, 10)

	if _, err := f.ledger.Scheduler.CancelAppointment(ctx, CancelInput{AppointmentID: appt.ID, ActorClientID: budi.ID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel by another client err = %v, want ErrNotFound", err)
	}

	done := f.book(t, ana.ID, 11)
	if _, err := f.ledger.Scheduler.CompleteAppointment(ctx, done.ID); err != nil {
		t.Fatalf("CompleteAppointment: %v", err)
	}
	if _, err := f.ledger.Scheduler.CancelAppointment(ctx, CancelInput{AppointmentID: done.ID, Admin: true}); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("cancel completed err = %v, want ErrNotCancellable", err)
	}

	cancelled, err := f.ledger.Scheduler.CancelAppointment(ctx, CancelInput{AppointmentID: appt.ID, ActorClientID: ana.ID})
	if err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}
	if cancelled.Status != models.AppointmentStatusCancelled || cancelled.ActiveSlotKey != nil {
		t.Errorf("status=%s slot key=%v", cancelled.Status, cancelled.ActiveSlotKey)
	}
	// the slot is free again
	f.book(t, budi.ID, 10)
}

func TestCancelNoticeWindow(t *testing.T) {
	f := newTestLedger(t)
	ledger := f.ledger
	ledger.d.cfg.Business.MinCancelNoticeMinutes = 120
	ana := f.client(t, "Ana")
	appt := f.book(t, ana.ID, 9)

	_, err := ledger.Scheduler.CancelAppointment(context.Background(), CancelInput{AppointmentID: appt.ID, ActorClientID: ana.ID})
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("late cancel err = %v, want ErrNotCancellable", err)
	}
	if _, err := ledger.Scheduler.CancelAppointment(context.Background(), CancelInput{AppointmentID: appt.ID, Admin: true}); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	appt := f.book(t, ana.ID, 10)

	if _, err := f.ledger.Scheduler.ConfirmAppointment(ctx, appt.ID); err != nil {
		t.Fatalf("ConfirmAppointment: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := f.ledger.Scheduler.CompleteAppointment(ctx, appt.ID)
		if err != nil {
			t.Fatalf("CompleteAppointment #%d: %v", i+1, err)
		}
		if got.Status != models.AppointmentStatusCompleted {
			t.Fatalf("status = %s", got.Status)
		}
	}
	if got := f.points(t, ana.ID); got != 50 {
		t.Errorf("points = %d, want 50 after two completions", got)
	}

	var completed int64
	f.ledger.DB().Model(&models.DomainEvent{}).Where("type = ?", models.EventAppointmentCompleted).Count(&completed)
	if completed != 1 {
		t.Errorf("%d AppointmentCompleted events, want 1", completed)
	}
}

func TestNoShowKeepsCreditAndFreesSlot(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	opt, _ := f.ledger.Catalog.CreatePackageOption(ctx, PackageOptionInput{ServiceID: f.service.ID, Sessions: 2, Price: 0})
	pkg, err := f.ledger.Packages.GrantPackage(ctx, ana.ID, opt.ID)
	if err != nil {
		t.Fatalf("GrantPackage: %v", err)
	}
	appt, err := f.ledger.Scheduler.CreateAppointment(ctx, CreateAppointmentInput{ClientID: ana.ID, ServiceID: f.service.ID, ScheduledAt: at(10), PackageID: &pkg.ID})
	if err != nil {
		t.Fatalf("CreateAppointment: %v", err)
	}

	got, err := f.ledger.Scheduler.MarkNoShow(ctx, appt.ID)
	if err != nil {
		t.Fatalf("MarkNoShow: %v", err)
	}
	if got.Status != models.AppointmentStatusNoShow {
		t.Errorf("status = %s", got.Status)
	}
	var p models.Package
	f.ledger.DB().First(&p, pkg.ID)
	if p.UsedSessions != 1 {
		t.Errorf("used sessions = %d, want 1", p.UsedSessions)
	}
	if got := f.points(t, ana.ID); got != 0 {
		t.Errorf("no-show earned %d points", got)
	}
	if _, err := f.ledger.Scheduler.CompleteAppointment(ctx, appt.ID); err != nil {
		t.Fatalf("complete after no-show should be a no-op, got %v", err)
	}
	f.book(t, f.client(t, "Budi").ID, 10)
}

func TestCreateBatchStopsAtFirstFailure(t *testing.T) {
	f := newTestLedger(t)
	ctx := context.Background()
	ana := f.client(t, "Ana")
	budi := f.client(t, "Budi")
	f.book(t, budi.ID, 13)

	res, err := f.ledger.Scheduler.CreateBatch(ctx, BatchInput{
		ClientID:  ana.ID,
		ServiceID: f.service.ID,
		Sessions:  []time.Time{at(10), at(11), at(13), at(14)},
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if len(res.Booked) != 2 || res.Requested != 4 {
		t.Fatalf("booked %d of %d, want 2 of 4", len(res.Booked), res.Requested)
	}
	if res.FailedIndex == nil || *res.FailedIndex != 2 {
		t.Fatalf("failed index = %v, want 2", res.FailedIndex)
	}
	if !errors.Is(res.Err, ErrSlotUnavailable) {
		t.Errorf("batch error = %v", res.Err)
	}

	list, err := f.ledger.Scheduler.ListAppointments(ctx, AppointmentFilter{ClientID: ana.ID})
	if err != nil {
		t.Fatalf("ListAppointments: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ana has %d appointments, want 2", len(list))
	}

	if _, err := f.ledger.Scheduler.CreateBatch(ctx, BatchInput{ClientID: ana.ID, ServiceID: f.service.ID}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty batch err = %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.AppointmentStatus
		want     bool
	}{
		{models.AppointmentStatusPending, models.AppointmentStatusConfirmed, true},
		{models.AppointmentStatusPending, models.AppointmentStatusCompleted, true},
		{models.AppointmentStatusConfirmed, models.AppointmentStatusNoShow, true},
		{models.AppointmentStatusConfirmed, models.AppointmentStatusPending, false},
		{models.AppointmentStatusCompleted, models.AppointmentStatusCancelled, false},
		{models.AppointmentStatusCancelled, models.AppointmentStatusConfirmed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
