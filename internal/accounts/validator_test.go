package accounts

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"

	"postpilot/internal/browser/brokertest"
	"postpilot/internal/errors"
	"postpilot/internal/platform"
	"postpilot/internal/plugin"
	"postpilot/internal/plugin/plugintest"
	"postpilot/internal/store"
)

type pluginSet struct {
	validate *plugintest.Fake
	err      error
}

func (s *pluginSet) Validate(platform.Platform) (plugin.ValidatePlugin, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.validate, nil
}

func newFixture(t *testing.T) (*Validator, *brokertest.Fake, *plugintest.Fake, store.AccountStore) {
	t.Helper()
	broker := brokertest.New()
	fake := plugintest.NewFake(plugin.KindValidate, platform.Douyin)
	accounts := store.NewMemoryAccounts()
	v := NewValidator(broker, &pluginSet{validate: fake}, accounts, Config{}, nil, clockwork.NewFakeClock())
	return v, broker, fake, accounts
}

func seedAccount(t *testing.T, accounts store.AccountStore, status store.AccountStatus) store.AccountRecord {
	t.Helper()
	rec, err := accounts.Upsert(context.Background(), store.AccountRecord{
		Platform:   platform.Douyin,
		Name:       "创作者小号",
		CookieFile: "/cookies/douyin_创作者小号_1.json",
		Status:     status,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return rec
}

func TestValidateAccountValidSession(t *testing.T) {
	v, broker, _, accounts := newFixture(t)
	rec := seedAccount(t, accounts, store.AccountStatusInvalid)

	out, err := v.ValidateAccount(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("ValidateAccount: %v", err)
	}
	if !out.Valid {
		t.Fatalf("expected valid outcome, got reason %q", out.Reason)
	}
	if out.Platform != platform.Douyin || out.Name != rec.Name {
		t.Fatalf("outcome identity = %s/%s", out.Platform, out.Name)
	}
	if out.CheckedAt.IsZero() {
		t.Fatal("CheckedAt not set")
	}

	stored, err := accounts.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != store.AccountStatusValid {
		t.Fatalf("stored status = %d, want valid", stored.Status)
	}
	if stored.LastCheckedAt.IsZero() {
		t.Fatal("LastCheckedAt not persisted")
	}

	// The throwaway validate tab must not outlive the probe.
	if broker.OpenTabCount() != 0 {
		t.Fatalf("open tabs after probe = %d", broker.OpenTabCount())
	}
	if len(broker.ClosedTabs()) != 1 {
		t.Fatalf("closed tabs = %v", broker.ClosedTabs())
	}
}

func TestValidateAccountRejectedCookie(t *testing.T) {
	v, _, fake, accounts := newFixture(t)
	rec := seedAccount(t, accounts, store.AccountStatusValid)
	fake.ValidateFunc = func(context.Context, plugin.ValidateParams) (*plugin.ValidateResult, error) {
		return &plugin.ValidateResult{Valid: false, Reason: "登录已过期"}, nil
	}

	out, err := v.ValidateAccount(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("ValidateAccount: %v", err)
	}
	if out.Valid {
		t.Fatal("expected invalid outcome")
	}
	if out.Reason != "登录已过期" {
		t.Fatalf("reason = %q", out.Reason)
	}

	stored, _ := accounts.Get(context.Background(), rec.ID)
	if stored.Status != store.AccountStatusInvalid {
		t.Fatalf("stored status = %d, want invalid", stored.Status)
	}
}

func TestValidateAccountProbeFailureIsInvalid(t *testing.T) {
	v, broker, _, accounts := newFixture(t)
	rec := seedAccount(t, accounts, store.AccountStatusValid)
	broker.ImportCookiesErr = fmt.Errorf("cookie file corrupt")

	out, err := v.ValidateAccount(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("ValidateAccount: %v", err)
	}
	if out.Valid {
		t.Fatal("expected invalid outcome")
	}
	if !strings.Contains(out.Reason, "import cookies") {
		t.Fatalf("reason = %q", out.Reason)
	}

	stored, _ := accounts.Get(context.Background(), rec.ID)
	if stored.Status != store.AccountStatusInvalid {
		t.Fatalf("stored status = %d, want invalid", stored.Status)
	}
}

func TestValidateAccountUnknownID(t *testing.T) {
	v, broker, _, _ := newFixture(t)

	_, err := v.ValidateAccount(context.Background(), 404)
	var notFound *errors.NotFoundError
	if !stderrors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if len(broker.CreateCalls()) != 0 {
		t.Fatal("no tab should be created for an unknown account")
	}
}

func TestValidateAccountTabFailureKeepsStatus(t *testing.T) {
	v, broker, _, accounts := newFixture(t)
	rec := seedAccount(t, accounts, store.AccountStatusValid)
	broker.CreateErr = fmt.Errorf("chrome gone")

	_, err := v.ValidateAccount(context.Background(), rec.ID)
	if err == nil {
		t.Fatal("expected error when the probe cannot start")
	}

	stored, _ := accounts.Get(context.Background(), rec.ID)
	if stored.Status != store.AccountStatusValid {
		t.Fatalf("stored status = %d, want untouched valid", stored.Status)
	}
}

func TestValidateBatchKeepsGoingPastFailures(t *testing.T) {
	v, _, _, accounts := newFixture(t)
	rec := seedAccount(t, accounts, store.AccountStatusInvalid)

	outcomes := v.ValidateBatch(context.Background(), []int64{rec.ID, 404})
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	if !outcomes[0].Valid || outcomes[0].Err != nil {
		t.Fatalf("first outcome = %+v", outcomes[0])
	}
	if outcomes[1].Err == nil {
		t.Fatal("second outcome should carry the lookup error")
	}
	if outcomes[1].AccountID != 404 {
		t.Fatalf("second outcome id = %d", outcomes[1].AccountID)
	}
}
