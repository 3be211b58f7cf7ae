package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bitpredict/market-ledger/internal/model"
	"github.com/bitpredict/market-ledger/internal/store"
)

// Bootstrap installs address as administrator when none is set yet. An
// existing administrator is left alone, so restarts never override a rotation.
func (l *Ledger) Bootstrap(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("%w: administrator address required", model.ErrInvalidParameter)
	}

	l.adminMu.Lock()
	defer l.adminMu.Unlock()

	err := l.store.SetAdministrator(ctx, &model.Administrator{Address: address}, nil)
	switch {
	case err == nil:
		slog.Info("administrator bootstrapped", "address", address)
		return nil
	case errors.Is(err, store.ErrConflict):
		current, err := l.store.GetAdministrator(ctx)
		if err != nil {
			return err
		}
		if current.Address != address {
			slog.Warn("configured administrator ignored; rotated administrator in effect",
				"configured", address, "current", current.Address)
		}
		return nil
	default:
		return fmt.Errorf("bootstrap administrator: %w", err)
	}
}

// Administrator returns the current administrator.
func (l *Ledger) Administrator(ctx context.Context) (*model.Administrator, error) {
	l.adminMu.RLock()
	defer l.adminMu.RUnlock()
	return l.store.GetAdministrator(ctx)
}

// RotateAdministrator hands the administrator role from caller to next.
// The caller must be the current administrator and next must differ.
func (l *Ledger) RotateAdministrator(ctx context.Context, caller, next string) (*model.Event, error) {
	next = strings.TrimSpace(next)
	if next == "" {
		return nil, reject("rotate", fmt.Errorf("%w: new administrator required", model.ErrInvalidParameter))
	}

	l.adminMu.Lock()
	ev, err := l.rotate(ctx, caller, next)
	l.adminMu.Unlock()
	if err != nil {
		return nil, reject("rotate", err)
	}

	slog.Info("administrator rotated", "from", caller, "to", next)
	l.publish(*ev)
	return ev, nil
}

func (l *Ledger) rotate(ctx context.Context, caller, next string) (*model.Event, error) {
	if err := l.requireAdministrator(ctx, caller); err != nil {
		return nil, err
	}
	if next == caller {
		return nil, fmt.Errorf("%w: new administrator equals current", model.ErrInvalidParameter)
	}
	a, err := l.store.GetAdministrator(ctx)
	if err != nil {
		return nil, err
	}
	a.Address = next

	ev := l.newEvent(model.EventAdministratorRotated, caller, l.clock.Now())
	ev.Subject = next
	if err := l.store.SetAdministrator(ctx, a, ev); err != nil {
		return nil, fmt.Errorf("commit rotation: %w", err)
	}
	return ev, nil
}

// requireAdministrator must be called with adminMu held.
func (l *Ledger) requireAdministrator(ctx context.Context, caller string) error {
	a, err := l.store.GetAdministrator(ctx)
	if errors.Is(err, store.ErrNoAdministrator) {
		return fmt.Errorf("%w: no administrator configured", model.ErrUnauthorized)
	}
	if err != nil {
		return err
	}
	if caller == "" || caller != a.Address {
		return model.ErrUnauthorized
	}
	return nil
}
