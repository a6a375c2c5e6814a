// Package accounts revalidates stored platform sessions against the live
// site and keeps the account table's status and last-check columns current.
package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"postpilot/internal/browser"
	"postpilot/internal/logging"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
	"postpilot/internal/store"
)

// Plugins is the slice of the plugin registry the validator needs.
type Plugins interface {
	Validate(p platform.Platform) (plugin.ValidatePlugin, error)
}

// Config tunes the validator.
type Config struct {
	// Timeout bounds one account's probe, tab setup included.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Outcome is the verdict for one stored account.
type Outcome struct {
	AccountID int64
	Platform  platform.Platform
	Name      string
	Valid     bool
	Reason    string
	CheckedAt time.Time
	// Err is set on batch items whose probe never produced a verdict
	// (unknown account, no plugin, tab creation failure).
	Err error
}

// Validator probes stored cookie sessions in throwaway validate-owned tabs
// and writes the verdict back to the account store.
type Validator struct {
	broker   browser.Broker
	plugins  Plugins
	accounts store.AccountStore
	cfg      Config
	logger   logging.Logger
	clock    clockwork.Clock
}

// NewValidator wires a validator. logger may be nil; clock may be nil for
// the wall clock.
func NewValidator(broker browser.Broker, plugins Plugins, accounts store.AccountStore, cfg Config, logger logging.Logger, clock clockwork.Clock) *Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Validator{
		broker:   broker,
		plugins:  plugins,
		accounts: accounts,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrNop(logger),
		clock:    clock,
	}
}

// ValidateAccount probes the account with the given store id and persists
// the new status. A returned error means the probe never reached a verdict
// and the stored status was left untouched; a rejected cookie is not an
// error, it is Valid=false.
func (v *Validator) ValidateAccount(ctx context.Context, id int64) (Outcome, error) {
	rec, err := v.accounts.Get(ctx, id)
	if err != nil {
		return Outcome{AccountID: id}, err
	}

	out := Outcome{AccountID: rec.ID, Platform: rec.Platform, Name: rec.Name}

	plug, err := v.plugins.Validate(rec.Platform)
	if err != nil {
		return out, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	tabID, err := v.broker.CreateTab(ctx, browser.CreateOptions{Owner: browser.OwnerValidate})
	if err != nil {
		return out, fmt.Errorf("create validation tab: %w", err)
	}
	defer v.closeTab(tabID)

	out.Valid, out.Reason = v.probe(ctx, plug, tabID, rec)
	out.CheckedAt = v.clock.Now()

	status := store.AccountStatusInvalid
	if out.Valid {
		status = store.AccountStatusValid
	}
	if err := v.accounts.SetStatus(ctx, rec.ID, status, out.CheckedAt); err != nil {
		return out, fmt.Errorf("persist status for account %d: %w", rec.ID, err)
	}

	v.logger.Info("validated account %s/%s: valid=%v %s", rec.Platform, rec.Name, out.Valid, out.Reason)
	return out, nil
}

// probe runs the actual check inside an already-created tab. Anything that
// goes wrong past this point counts as an invalid session: the cookie file
// is the common culprit for import, navigation and plugin failures alike.
func (v *Validator) probe(ctx context.Context, plug plugin.ValidatePlugin, tabID string, rec store.AccountRecord) (bool, string) {
	if err := v.broker.ImportCookies(ctx, tabID, rec.CookieFile); err != nil {
		return false, fmt.Sprintf("import cookies: %v", err)
	}
	if err := v.broker.Navigate(ctx, tabID, platform.DefaultEndpoints(rec.Platform).Creator); err != nil {
		return false, fmt.Sprintf("open creator home: %v", err)
	}
	result, err := plug.Validate(ctx, plugin.ValidateParams{TabID: tabID, CookieFile: rec.CookieFile})
	if err != nil {
		return false, fmt.Sprintf("validate: %v", err)
	}
	if !result.Valid {
		reason := result.Reason
		if reason == "" {
			reason = "cookie rejected by platform"
		}
		return false, reason
	}
	return true, ""
}

// ValidateBatch probes each id in order. Per-account failures never abort
// the batch; they come back in the matching Outcome.
func (v *Validator) ValidateBatch(ctx context.Context, ids []int64) []Outcome {
	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			outcomes = append(outcomes, Outcome{AccountID: id, Err: ctx.Err()})
			continue
		}
		out, err := v.ValidateAccount(ctx, id)
		if err != nil {
			v.logger.Warn("validate account %d: %v", id, err)
			out.Err = err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (v *Validator) closeTab(tabID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := v.broker.CloseTab(ctx, tabID); err != nil {
		v.logger.Warn("close validation tab %s: %v", tabID, err)
	}
}
