package service

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promo-market-backend/internal/common/metrics"
	"promo-market-backend/internal/features/ledger/models"
	"promo-market-backend/internal/features/ledger/repository"
	"promo-market-backend/internal/platform/db"
)

// fakeLedgerRepo is an in-memory LedgerRepository with real transaction
// semantics: BeginTx snapshots the store and Rollback restores it, so the
// no-partial-effects guarantee is actually observable in tests.
type fakeLedgerRepo struct {
	offers     map[string]*models.Offer
	accounts   map[int64]*models.Account
	threads    map[string]*models.ContactThread // keyed offerID|buyerID
	owned      map[int64]int
	daily      map[string]int // keyed userID|day
	credits    map[string]*models.RetryCredit

	// hideThreadOnce makes the idempotency read miss once, simulating a
	// concurrent transaction that inserts between the read and the insert.
	hideThreadOnce bool

	claimCalls int
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{
		offers:   map[string]*models.Offer{},
		accounts: map[int64]*models.Account{},
		threads:  map[string]*models.ContactThread{},
		owned:    map[int64]int{},
		daily:    map[string]int{},
		credits:  map[string]*models.RetryCredit{},
	}
}

func threadKey(offerID string, buyerID int64) string {
	return fmt.Sprintf("%s|%d", offerID, buyerID)
}

func dailyKey(userID int64, day string) string {
	return fmt.Sprintf("%d|%s", userID, day)
}

type fakeTx struct {
	repo     *fakeLedgerRepo
	snapshot *fakeLedgerRepo
	done     bool
}

func (t *fakeTx) Commit() error {
	t.done = true
	return nil
}

func (t *fakeTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.repo.restore(t.snapshot)
	return nil
}

func (r *fakeLedgerRepo) snapshot() *fakeLedgerRepo {
	s := newFakeLedgerRepo()
	for k, v := range r.offers {
		cp := *v
		s.offers[k] = &cp
	}
	for k, v := range r.accounts {
		cp := *v
		s.accounts[k] = &cp
	}
	for k, v := range r.threads {
		cp := *v
		s.threads[k] = &cp
	}
	for k, v := range r.owned {
		s.owned[k] = v
	}
	for k, v := range r.daily {
		s.daily[k] = v
	}
	for k, v := range r.credits {
		cp := *v
		s.credits[k] = &cp
	}
	return s
}

func (r *fakeLedgerRepo) restore(s *fakeLedgerRepo) {
	r.offers = s.offers
	r.accounts = s.accounts
	r.threads = s.threads
	r.owned = s.owned
	r.daily = s.daily
	r.credits = s.credits
}

func (r *fakeLedgerRepo) BeginTx(_ context.Context) (repository.Transaction, error) {
	return &fakeTx{repo: r, snapshot: r.snapshot()}, nil
}

func (r *fakeLedgerRepo) GetOfferTx(_ context.Context, _ repository.Transaction, offerID string) (*models.Offer, error) {
	o, ok := r.offers[offerID]
	if !ok {
		return nil, repository.ErrOfferNotFound
	}
	return o, nil
}

func (r *fakeLedgerRepo) GetThreadTx(_ context.Context, _ repository.Transaction, offerID string, buyerID int64) (*models.ContactThread, error) {
	if r.hideThreadOnce {
		r.hideThreadOnce = false
		return nil, nil
	}
	t, ok := r.threads[threadKey(offerID, buyerID)]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *fakeLedgerRepo) GetAccountForUpdateTx(_ context.Context, _ repository.Transaction, userID int64) (*models.Account, error) {
	a, ok := r.accounts[userID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeLedgerRepo) CountOwnedWorkspacesTx(_ context.Context, _ repository.Transaction, userID int64) (int, error) {
	return r.owned[userID], nil
}

func (r *fakeLedgerRepo) GetDailyUsageForUpdateTx(_ context.Context, _ repository.Transaction, userID int64, day string) (int, error) {
	return r.daily[dailyKey(userID, day)], nil
}

func (r *fakeLedgerRepo) ClaimRetryCreditTx(_ context.Context, _ repository.Transaction, userID int64, now time.Time) (*models.RetryCredit, error) {
	r.claimCalls++
	var candidates []*models.RetryCredit
	for _, c := range r.credits {
		if c.UserID == userID && c.Status == models.RetryCreditStatusAvailable && c.ExpiresAt.After(now) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
	})
	cp := *candidates[0]
	return &cp, nil
}

func (r *fakeLedgerRepo) GrantTrialTx(_ context.Context, _ repository.Transaction, userID int64, amount int) (bool, error) {
	a := r.accounts[userID]
	if a.TrialGranted {
		return false, nil
	}
	a.TrialGranted = true
	a.BrandCredits += amount
	return true, nil
}

func (r *fakeLedgerRepo) InsertThreadTx(_ context.Context, _ repository.Transaction, thread *models.ContactThread) error {
	key := threadKey(thread.OfferID, thread.BuyerID)
	if _, exists := r.threads[key]; exists {
		return repository.ErrThreadExists
	}
	cp := *thread
	r.threads[key] = &cp
	return nil
}

func (r *fakeLedgerRepo) RedeemRetryCreditTx(_ context.Context, _ repository.Transaction, creditID, threadID string, now time.Time) error {
	c := r.credits[creditID]
	c.Status = models.RetryCreditStatusRedeemed
	c.RedeemedThreadID = &threadID
	c.RedeemedAt = &now
	return nil
}

func (r *fakeLedgerRepo) DebitCreditsTx(_ context.Context, _ repository.Transaction, userID int64, cost int) error {
	a := r.accounts[userID]
	a.BrandCredits -= cost
	if a.BrandCredits < 0 {
		a.BrandCredits = 0
	}
	a.TotalSpent += cost
	return nil
}

func (r *fakeLedgerRepo) IncrementDailyUsageTx(_ context.Context, _ repository.Transaction, userID int64, day string) error {
	r.daily[dailyKey(userID, day)]++
	return nil
}

func (r *fakeLedgerRepo) ExpireRetryCredits(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeLedgerRepo) ListThreadsAwaitingReply(_ context.Context, _ time.Time, _ int) ([]*models.ContactThread, error) {
	return nil, nil
}

func (r *fakeLedgerRepo) InsertRetryCredit(_ context.Context, _ *models.RetryCredit) error {
	return nil
}

func (r *fakeLedgerRepo) StampRetryIssued(_ context.Context, _ string, _ time.Time) error {
	return nil
}

// ---- fixture ----

var testMetrics = metrics.NewSettlementMetrics()

func newLedgerFixture() (*Service, *fakeLedgerRepo) {
	return newLedgerFixtureCaps(db.Capabilities{RetryCredits: true})
}

func newLedgerFixtureCaps(caps db.Capabilities) (*Service, *fakeLedgerRepo) {
	repo := newFakeLedgerRepo()
	repo.offers["offer-1"] = &models.Offer{ID: "offer-1", WorkspaceID: "ws-1", CreatorID: 100, Active: true}
	repo.offers["offer-2"] = &models.Offer{ID: "offer-2", WorkspaceID: "ws-1", CreatorID: 100, Active: true}
	repo.offers["offer-3"] = &models.Offer{ID: "offer-3", WorkspaceID: "ws-2", CreatorID: 101, Active: true}
	return NewService(repo, caps, testMetrics), repo
}

func defaultOpts() OpenThreadOptions {
	return OpenThreadOptions{
		Cost:         1,
		TrialCredits: 3,
		ForcePaying:  true,
	}
}

func addBuyer(repo *fakeLedgerRepo, userID int64, credits int, trialGranted bool) {
	repo.accounts[userID] = &models.Account{
		UserID:       userID,
		BrandCredits: credits,
		TrialGranted: trialGranted,
	}
}

// ---- tests ----

func TestOpenThreadOfferNotFound(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 10, true)

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-missing", 7, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOfferNotFound, res.Outcome)
	assert.Nil(t, res.Thread)
	assert.Empty(t, repo.threads)
}

func TestOpenThreadSelf(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 100, 10, true)

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 100, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSelf, res.Outcome)
	assert.Empty(t, repo.threads)
}

func TestOpenThreadChargesBalance(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 5, true)

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.True(t, res.Charged)
	assert.Equal(t, 1, res.ChargedAmount)
	assert.False(t, res.RetryUsed)
	assert.Equal(t, 4, res.Balance)
	assert.Equal(t, 1, res.DailyUsed)

	require.NotNil(t, res.Thread)
	assert.Equal(t, models.ChargeSourceCredits, res.Thread.ChargeSource)
	assert.Equal(t, 1, res.Thread.ChargedCost)
	assert.NotNil(t, res.Thread.ChargedAt)

	account := repo.accounts[7]
	assert.Equal(t, 4, account.BrandCredits)
	assert.Equal(t, 1, account.TotalSpent)
}

func TestOpenThreadIdempotent(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 5, true)

	first, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, defaultOpts())
	require.NoError(t, err)
	require.True(t, first.Charged)

	second, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, second.Outcome)
	assert.False(t, second.Charged, "existing thread is returned uncharged")
	assert.Equal(t, first.Thread.ID, second.Thread.ID)

	assert.Equal(t, 4, repo.accounts[7].BrandCredits, "charged exactly once")
	assert.Equal(t, 1, repo.daily[dailyKey(7, models.DayKey(time.Now().UTC()))])
}

func TestOpenThreadWorkspaceOwnerNotCharged(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 5, true)
	repo.owned[7] = 1

	opts := defaultOpts()
	opts.ForcePaying = false

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.False(t, res.Charged)
	assert.Equal(t, 5, res.Balance)
	require.NotNil(t, res.Thread)
	assert.Nil(t, res.Thread.ChargedAt)

	assert.Equal(t, 5, repo.accounts[7].BrandCredits)
	assert.Zero(t, repo.daily[dailyKey(7, models.DayKey(time.Now().UTC()))], "uncharged opens do not count toward the daily cap")
}

func TestOpenThreadGrantsTrialOnce(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 0, false)

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.True(t, res.TrialGranted)
	assert.True(t, res.Charged)
	assert.Equal(t, 2, res.Balance, "trial of 3 minus cost of 1")

	account := repo.accounts[7]
	assert.True(t, account.TrialGranted)
	assert.Equal(t, 2, account.BrandCredits)

	// The trial never repeats: exhaust the balance, then hit the paywall.
	for _, offer := range []string{"offer-2", "offer-3"} {
		res, err = svc.OpenThreadWithCredit(context.Background(), offer, 7, defaultOpts())
		require.NoError(t, err)
		require.Equal(t, OutcomeOK, res.Outcome)
	}
	assert.Zero(t, repo.accounts[7].BrandCredits)

	repo.offers["offer-4"] = &models.Offer{ID: "offer-4", WorkspaceID: "ws-2", CreatorID: 101, Active: true}
	res, err = svc.OpenThreadWithCredit(context.Background(), "offer-4", 7, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedPaywall, res.Outcome)
	assert.False(t, res.TrialGranted)
}

func TestOpenThreadTrialInsufficientRollsBack(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 0, false)

	opts := defaultOpts()
	opts.Cost = 5 // trial of 3 cannot cover it

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedPaywall, res.Outcome)
	assert.False(t, res.TrialGranted)
	assert.Zero(t, res.Balance)

	// The in-transaction trial grant rolled back with everything else.
	account := repo.accounts[7]
	assert.False(t, account.TrialGranted)
	assert.Zero(t, account.BrandCredits)
	assert.Empty(t, repo.threads)
}

func TestOpenThreadRetryCreditBeforeBalance(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 10, true)
	repo.credits["rc-1"] = &models.RetryCredit{
		ID: "rc-1", UserID: 7, SourceThreadID: "th-old",
		Status:    models.RetryCreditStatusAvailable,
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}

	opts := defaultOpts()
	opts.UseRetryCredits = true

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.True(t, res.Charged)
	assert.True(t, res.RetryUsed)
	assert.Zero(t, res.ChargedAmount)
	assert.Equal(t, 10, res.Balance, "balance untouched when a retry credit funds the open")

	require.NotNil(t, res.Thread)
	assert.Equal(t, models.ChargeSourceRetry, res.Thread.ChargeSource)
	assert.Zero(t, res.Thread.ChargedCost)

	credit := repo.credits["rc-1"]
	assert.Equal(t, models.RetryCreditStatusRedeemed, credit.Status)
	require.NotNil(t, credit.RedeemedThreadID)
	assert.Equal(t, res.Thread.ID, *credit.RedeemedThreadID)

	assert.Equal(t, 10, repo.accounts[7].BrandCredits)
	assert.Equal(t, 1, repo.daily[dailyKey(7, models.DayKey(time.Now().UTC()))], "retry-funded opens still count toward the cap")
}

func TestOpenThreadClaimsOldestExpiringCredit(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 0, true)
	now := time.Now().UTC()
	repo.credits["rc-late"] = &models.RetryCredit{
		ID: "rc-late", UserID: 7, SourceThreadID: "th-a",
		Status: models.RetryCreditStatusAvailable, ExpiresAt: now.Add(48 * time.Hour),
	}
	repo.credits["rc-soon"] = &models.RetryCredit{
		ID: "rc-soon", UserID: 7, SourceThreadID: "th-b",
		Status: models.RetryCreditStatusAvailable, ExpiresAt: now.Add(2 * time.Hour),
	}

	opts := defaultOpts()
	opts.UseRetryCredits = true

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, opts)
	require.NoError(t, err)
	require.True(t, res.RetryUsed)
	assert.Equal(t, models.RetryCreditStatusRedeemed, repo.credits["rc-soon"].Status)
	assert.Equal(t, models.RetryCreditStatusAvailable, repo.credits["rc-late"].Status)
}

func TestOpenThreadExpiredCreditNotClaimed(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 5, true)
	repo.credits["rc-stale"] = &models.RetryCredit{
		ID: "rc-stale", UserID: 7, SourceThreadID: "th-a",
		Status:    models.RetryCreditStatusAvailable,
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}

	opts := defaultOpts()
	opts.UseRetryCredits = true

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, opts)
	require.NoError(t, err)
	assert.False(t, res.RetryUsed)
	assert.Equal(t, 1, res.ChargedAmount, "falls through to the balance")
	assert.Equal(t, models.RetryCreditStatusAvailable, repo.credits["rc-stale"].Status)
}

func TestOpenThreadDailyLimit(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 10, true)

	opts := defaultOpts()
	opts.DailyLimit = 2

	for _, offer := range []string{"offer-1", "offer-2"} {
		res, err := svc.OpenThreadWithCredit(context.Background(), offer, 7, opts)
		require.NoError(t, err)
		require.Equal(t, OutcomeOK, res.Outcome)
	}

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-3", 7, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLimitReached, res.Outcome)
	assert.Equal(t, 2, res.DailyUsed)
	assert.Equal(t, 8, repo.accounts[7].BrandCredits, "third attempt not charged")
	assert.Len(t, repo.threads, 2)
}

func TestOpenThreadInsertRaceReturnsExistingUncharged(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 5, true)

	winner, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, defaultOpts())
	require.NoError(t, err)
	require.True(t, winner.Charged)

	// The idempotency read misses, the insert then conflicts with the row
	// the winning transaction created.
	repo.hideThreadOnce = true

	loser, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, loser.Outcome)
	assert.False(t, loser.Charged)
	assert.Equal(t, winner.Thread.ID, loser.Thread.ID)
	assert.Equal(t, 4, repo.accounts[7].BrandCredits, "loser of the race never charges")
}

func TestOpenThreadRetryOptionDisabledWithoutSchema(t *testing.T) {
	svc, repo := newLedgerFixtureCaps(db.Capabilities{RetryCredits: false})
	addBuyer(repo, 7, 5, true)
	repo.credits["rc-1"] = &models.RetryCredit{
		ID: "rc-1", UserID: 7, SourceThreadID: "th-old",
		Status:    models.RetryCreditStatusAvailable,
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}

	opts := defaultOpts()
	opts.UseRetryCredits = true

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.False(t, res.RetryUsed)
	assert.Equal(t, 1, res.ChargedAmount, "charged from the balance")
	assert.Zero(t, repo.claimCalls, "retry_credits is never queried on an old schema")
	assert.Equal(t, 4, repo.accounts[7].BrandCredits)
}

func TestOpenThreadInsertRaceRollsBackTrialGrant(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 0, false)

	// The winning transaction's row is already there; this call's
	// idempotency read misses, the trial is granted in-transaction, then
	// the insert conflicts.
	now := time.Now().UTC()
	repo.threads[threadKey("offer-1", 7)] = &models.ContactThread{
		ID: "th-winner", OfferID: "offer-1", BuyerID: 7,
		Status: models.ThreadStatusOpen, CreatedAt: now,
	}
	repo.hideThreadOnce = true

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.False(t, res.Charged)
	assert.Equal(t, "th-winner", res.Thread.ID)
	assert.False(t, res.TrialGranted)

	// The lost-race transaction rolled back, trial grant included.
	account := repo.accounts[7]
	assert.False(t, account.TrialGranted)
	assert.Zero(t, account.BrandCredits)
}

func TestOpenThreadPaywallWhenTrialExhausted(t *testing.T) {
	svc, repo := newLedgerFixture()
	addBuyer(repo, 7, 0, true)

	res, err := svc.OpenThreadWithCredit(context.Background(), "offer-1", 7, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedPaywall, res.Outcome)
	assert.Zero(t, res.Balance)
	assert.Empty(t, repo.threads)
}
