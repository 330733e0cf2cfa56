package ledger

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agrobooks/agrobooks/internal/shared"
)

// RepositoryPort abstracts persistence for the bank ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAccount(ctx context.Context, partyID int64, partyType PartyType) (Account, error)
	ListAccounts(ctx context.Context, partyType PartyType) ([]Account, error)
	ListTransactions(ctx context.Context, accountID int64) ([]Transaction, error)
}

// Service exposes bank ledger use-cases.
type Service struct {
	repo   RepositoryPort
	cache  *StatementCache
	locker shared.LockPort
	audit  shared.AuditPort
}

// NewService wires the ledger service. cache, locker and audit may be nil.
func NewService(repo RepositoryPort, cache *StatementCache, locker shared.LockPort, audit shared.AuditPort) *Service {
	return &Service{repo: repo, cache: cache, locker: locker, audit: audit}
}

// RecordTransaction appends a standalone transaction for one party.
func (s *Service) RecordTransaction(ctx context.Context, in PostInput) (Transaction, error) {
	release, err := s.lock(ctx, in.PartyType, in.PartyID)
	if err != nil {
		return Transaction{}, err
	}
	defer release()

	var posted Transaction
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := Post(ctx, tx, in)
		if err != nil {
			return err
		}
		posted = t
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	s.Invalidate(ctx, in.PartyType, in.PartyID)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Action:   "ledger:" + string(posted.Type),
			Entity:   "bank_ledger_transaction",
			EntityID: posted.ID.String(),
			Meta: map[string]any{
				"userId":       in.PartyID,
				"userType":     in.PartyType,
				"amount":       posted.Amount.String(),
				"balanceAfter": posted.BalanceAfter.String(),
			},
		})
	}
	return posted, nil
}

// Lock serialises writers of one party's account across processes.
func (s *Service) Lock(ctx context.Context, partyType PartyType, partyID int64) (func(), error) {
	return s.lock(ctx, partyType, partyID)
}

func (s *Service) lock(ctx context.Context, partyType PartyType, partyID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.Acquire(ctx, shared.LedgerLockKey(string(partyType), partyID))
}

// Invalidate drops cached statements of the party. Cache errors are ignored;
// entries still expire with the TTL.
func (s *Service) Invalidate(ctx context.Context, partyType PartyType, partyID int64) {
	_ = s.cache.Bump(ctx, partyType, partyID)
}

// Statement returns the filtered statement of one account.
func (s *Service) Statement(ctx context.Context, f StatementFilter) (Statement, error) {
	if !f.PartyType.Valid() {
		return Statement{}, shared.Invalid("userType", "must be Customer or Vendor")
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return Statement{}, shared.Invalid("to", "must not precede from")
	}
	key, err := s.cache.StatementKey(ctx, f)
	if err != nil {
		return s.buildStatement(ctx, f)
	}
	var st Statement
	err = s.cache.FetchJSON(ctx, key, &st, func(ctx context.Context) (any, error) {
		return s.buildStatement(ctx, f)
	})
	if err != nil {
		return Statement{}, err
	}
	return st, nil
}

func (s *Service) buildStatement(ctx context.Context, f StatementFilter) (Statement, error) {
	acct, err := s.repo.GetAccount(ctx, f.PartyID, f.PartyType)
	if err != nil {
		return Statement{}, err
	}
	txs, err := s.repo.ListTransactions(ctx, acct.ID)
	if err != nil {
		return Statement{}, err
	}
	return BuildStatement(f, txs), nil
}

// LatestBalance returns the balanceAfter of the most recent transaction, or
// zero when the party has no account yet.
func (s *Service) LatestBalance(ctx context.Context, partyType PartyType, partyID int64) (Transaction, bool, error) {
	if !partyType.Valid() {
		return Transaction{}, false, shared.Invalid("userType", "must be Customer or Vendor")
	}
	acct, err := s.repo.GetAccount(ctx, partyID, partyType)
	if errors.Is(err, ErrAccountNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	txs, err := s.repo.ListTransactions(ctx, acct.ID)
	if err != nil {
		return Transaction{}, false, err
	}
	if len(txs) == 0 {
		return Transaction{}, false, nil
	}
	sortTransactions(txs)
	return txs[len(txs)-1], true, nil
}

// Consolidated merges every account of the requested party type.
func (s *Service) Consolidated(ctx context.Context, f ConsolidatedFilter) (Consolidated, error) {
	if !f.PartyType.Valid() {
		return Consolidated{}, shared.Invalid("userType", "must be Customer or Vendor")
	}
	key, err := s.cache.ConsolidatedKey(ctx, f)
	if err != nil {
		return s.buildConsolidated(ctx, f)
	}
	var out Consolidated
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		return s.buildConsolidated(ctx, f)
	})
	if err != nil {
		return Consolidated{}, err
	}
	return out, nil
}

func (s *Service) buildConsolidated(ctx context.Context, f ConsolidatedFilter) (Consolidated, error) {
	accounts, err := s.repo.ListAccounts(ctx, f.PartyType)
	if err != nil {
		return Consolidated{}, err
	}
	histories := make([][]Transaction, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, acct := range accounts {
		i, acct := i, acct
		g.Go(func() error {
			txs, err := s.repo.ListTransactions(gctx, acct.ID)
			if err != nil {
				return err
			}
			histories[i] = txs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Consolidated{}, err
	}
	byParty := make(map[int64][]Transaction, len(accounts))
	for i, acct := range accounts {
		byParty[acct.PartyID] = histories[i]
	}
	return BuildConsolidated(f, byParty), nil
}

// EndOfDay widens a date-only bound to the last instant of that day.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}
