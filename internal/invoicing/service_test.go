package invoicing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/agrobooks/agrobooks/internal/inventory"
	"github.com/agrobooks/agrobooks/internal/ledger"
	"github.com/agrobooks/agrobooks/internal/shared"
)

type memoryState struct {
	products  map[int64]inventory.Product
	records   map[int64]inventory.StockRecord
	movements []inventory.StockMovement
	invoices  map[uuid.UUID]Invoice
	accounts  map[string]ledger.Account
	ledger    map[int64][]ledger.Transaction
	nextAcct  int64
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		products:  make(map[int64]inventory.Product, len(s.products)),
		records:   make(map[int64]inventory.StockRecord, len(s.records)),
		movements: append([]inventory.StockMovement(nil), s.movements...),
		invoices:  make(map[uuid.UUID]Invoice, len(s.invoices)),
		accounts:  make(map[string]ledger.Account, len(s.accounts)),
		ledger:    make(map[int64][]ledger.Transaction, len(s.ledger)),
		nextAcct:  s.nextAcct,
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for k, v := range s.records {
		out.records[k] = v
	}
	for k, v := range s.invoices {
		out.invoices[k] = cloneInvoice(v)
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.ledger {
		out.ledger[k] = append([]ledger.Transaction(nil), v...)
	}
	return out
}

func cloneInvoice(inv Invoice) Invoice {
	inv.Items = append([]LineItem(nil), inv.Items...)
	inv.Payments = append([]Payment(nil), inv.Payments...)
	return inv
}

type memoryRepo struct {
	state   memoryState
	numbers map[Direction]int

	// interleave, when set, runs once after the next locked stock record or
	// invoice read, standing in for a writer that commits in between.
	interleave func(*memoryState)
}

func (r *memoryRepo) interleaved() {
	if fn := r.interleave; fn != nil {
		r.interleave = nil
		fn(&r.state)
	}
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state: memoryState{
			products: map[int64]inventory.Product{},
			records:  map[int64]inventory.StockRecord{},
			invoices: map[uuid.UUID]Invoice{},
			accounts: map[string]ledger.Account{},
			ledger:   map[int64][]ledger.Transaction{},
		},
		numbers: map[Direction]int{},
	}
}

func (r *memoryRepo) seedProduct(id int64, price string, stock int64) {
	now := time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	r.state.products[id] = inventory.Product{
		ID:         id,
		Name:       fmt.Sprintf("Seed %d", id),
		Unit:       inventory.UnitKG,
		UnitWeight: decimal.NewFromInt(50),
		Price:      decimal.RequireFromString(price),
		Stock:      stock,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.state.records[id] = inventory.StockRecord{ProductID: id, Quantity: stock, LowStockThreshold: 10, Version: 1, UpdatedAt: now}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, ok := r.state.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return cloneInvoice(inv), nil
}

func (r *memoryRepo) ListInvoices(ctx context.Context, filter ListFilter) ([]Invoice, int, error) {
	var out []Invoice
	for _, inv := range r.state.invoices {
		if inv.Direction == filter.Direction {
			out = append(out, cloneInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, len(out), nil
}

func (r *memoryRepo) LastNumber(ctx context.Context, direction Direction) (string, error) {
	last := ""
	for _, inv := range r.state.invoices {
		if inv.Direction == direction && inv.Number > last {
			last = inv.Number
		}
	}
	return last, nil
}

func (r *memoryRepo) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, inv := range r.state.invoices {
		if !inv.IsFullyPaid && inv.Status != StatusOverdue && now.After(inv.DueDate) {
			inv.Status = StatusOverdue
			r.state.invoices[id] = inv
			n++
		}
	}
	return n, nil
}

func (tx *memoryTx) GetProductForUpdate(ctx context.Context, id int64) (inventory.Product, error) {
	p, ok := tx.repo.state.products[id]
	if !ok {
		return inventory.Product{}, inventory.ErrProductNotFound
	}
	return p, nil
}

func (tx *memoryTx) GetStockRecordForUpdate(ctx context.Context, productID int64) (inventory.StockRecord, error) {
	defer tx.repo.interleaved()
	rec, ok := tx.repo.state.records[productID]
	if !ok {
		return inventory.StockRecord{}, inventory.ErrStockRecordNotFound
	}
	return rec, nil
}

func (tx *memoryTx) InsertProduct(ctx context.Context, p inventory.Product) (int64, error) {
	p.ID = int64(len(tx.repo.state.products) + 1)
	tx.repo.state.products[p.ID] = p
	return p.ID, nil
}

func (tx *memoryTx) InsertStockRecord(ctx context.Context, rec inventory.StockRecord) error {
	tx.repo.state.records[rec.ProductID] = rec
	return nil
}

func (tx *memoryTx) UpdateProductStock(ctx context.Context, productID, stock, expectedVersion int64) error {
	p := tx.repo.state.products[productID]
	if p.Version != expectedVersion {
		return inventory.ErrStaleVersion
	}
	p.Stock = stock
	p.Version++
	tx.repo.state.products[productID] = p
	return nil
}

func (tx *memoryTx) UpdateStockRecord(ctx context.Context, rec inventory.StockRecord, expectedVersion int64) error {
	if tx.repo.state.records[rec.ProductID].Version != expectedVersion {
		return inventory.ErrStaleVersion
	}
	rec.Version = expectedVersion + 1
	tx.repo.state.records[rec.ProductID] = rec
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m inventory.StockMovement) error {
	tx.repo.state.movements = append(tx.repo.state.movements, m)
	return nil
}

func (tx *memoryTx) SoftDeleteProduct(ctx context.Context, productID int64, at time.Time, expectedVersion int64) error {
	p := tx.repo.state.products[productID]
	if p.Version != expectedVersion {
		return inventory.ErrStaleVersion
	}
	p.IsDeleted = true
	p.DeletedAt = &at
	p.Version++
	tx.repo.state.products[productID] = p
	return nil
}

func (tx *memoryTx) GetOrCreateAccountForUpdate(ctx context.Context, partyID int64, partyType ledger.PartyType) (ledger.Account, error) {
	key := fmt.Sprintf("%s:%d", partyType, partyID)
	if a, ok := tx.repo.state.accounts[key]; ok {
		return a, nil
	}
	tx.repo.state.nextAcct++
	a := ledger.Account{ID: tx.repo.state.nextAcct, PartyID: partyID, PartyType: partyType}
	tx.repo.state.accounts[key] = a
	return a, nil
}

func (tx *memoryTx) LatestTransaction(ctx context.Context, accountID int64) (ledger.Transaction, bool, error) {
	txs := tx.repo.state.ledger[accountID]
	if len(txs) == 0 {
		return ledger.Transaction{}, false, nil
	}
	latest := txs[0]
	for _, t := range txs[1:] {
		if t.Date.After(latest.Date) || (t.Date.Equal(latest.Date) && t.Seq > latest.Seq) {
			latest = t
		}
	}
	return latest, true, nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	tx.repo.state.ledger[t.AccountID] = append(tx.repo.state.ledger[t.AccountID], t)
	return nil
}

func (tx *memoryTx) NextInvoiceNumber(ctx context.Context, direction Direction) (string, error) {
	tx.repo.numbers[direction]++
	return fmt.Sprintf("%s-%06d", direction.NumberPrefix(), tx.repo.numbers[direction]), nil
}

func (tx *memoryTx) InsertInvoice(ctx context.Context, inv Invoice) error {
	tx.repo.state.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

func (tx *memoryTx) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	defer tx.repo.interleaved()
	return tx.repo.GetInvoice(ctx, id)
}

func (tx *memoryTx) UpdateInvoice(ctx context.Context, inv Invoice, expectedVersion int64) error {
	current, ok := tx.repo.state.invoices[inv.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if current.Version != expectedVersion {
		return ErrStaleVersion
	}
	tx.repo.state.invoices[inv.ID] = cloneInvoice(inv)
	return nil
}

func (tx *memoryTx) InsertPayment(ctx context.Context, invoiceID uuid.UUID, seq int, p Payment) error {
	inv, ok := tx.repo.state.invoices[invoiceID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if seq != len(inv.Payments) {
		return fmt.Errorf("payment seq %d out of order (have %d)", seq, len(inv.Payments))
	}
	return nil
}

func (tx *memoryTx) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	if _, ok := tx.repo.state.invoices[id]; !ok {
		return ErrInvoiceNotFound
	}
	delete(tx.repo.state.invoices, id)
	return nil
}

func (r *memoryRepo) ledgerFor(partyType ledger.PartyType, partyID int64) []ledger.Transaction {
	a, ok := r.state.accounts[fmt.Sprintf("%s:%d", partyType, partyID)]
	if !ok {
		return nil
	}
	return r.state.ledger[a.ID]
}

type recordingHooks struct {
	locks       int
	invalidated []string
}

func (h *recordingHooks) Lock(ctx context.Context, partyType ledger.PartyType, partyID int64) (func(), error) {
	h.locks++
	return func() {}, nil
}

func (h *recordingHooks) Invalidate(ctx context.Context, partyType ledger.PartyType, partyID int64) {
	h.invalidated = append(h.invalidated, fmt.Sprintf("%s:%d", partyType, partyID))
}

type memoryIdempotency struct {
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if m.keys[module+":"+key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+":"+key] = true
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key, module string) error {
	delete(m.keys, module+":"+key)
	return nil
}

type countingEvents map[string]int

func (c countingEvents) CountEvent(event string) { c[event]++ }

var fixedNow = time.Date(2024, time.June, 10, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo   *memoryRepo
	hooks  *recordingHooks
	idem   *memoryIdempotency
	events countingEvents
	svc    *Service
}

func newFixture() fixture {
	repo := newMemoryRepo()
	repo.seedProduct(1, "100", 50)
	repo.seedProduct(2, "100", 50)
	hooks := &recordingHooks{}
	idem := &memoryIdempotency{keys: map[string]bool{}}
	events := countingEvents{}
	svc := NewService(repo, hooks, idem, nil, DefaultConfig()).WithEvents(events)
	svc.now = func() time.Time { return fixedNow }
	return fixture{repo: repo, hooks: hooks, idem: idem, events: events, svc: svc}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(dec(want)), "want %s, got %s", want, got)
}

func (f fixture) createSale(t *testing.T, party int64, qty int64, gst string) Invoice {
	t.Helper()
	inv, err := f.svc.Create(context.Background(), CreateInput{
		Direction:      DirectionSale,
		CounterpartyID: party,
		Items:          []LineInput{{ProductID: 1, Quantity: qty}},
		GSTPercentage:  dec(gst),
		DueDate:        fixedNow.AddDate(0, 0, 30),
	})
	require.NoError(t, err)
	return inv
}

func TestCreateSaleComputesGSTAndMovesStock(t *testing.T) {
	f := newFixture()

	inv := f.createSale(t, 7, 10, "18")
	require.Equal(t, "SAL-000001", inv.Number)
	require.Equal(t, ledger.PartyCustomer, inv.CounterpartyType)
	requireDec(t, "1000", inv.Subtotal)
	requireDec(t, "180", inv.GSTAmount)
	requireDec(t, "90", inv.CGST)
	requireDec(t, "90", inv.SGST)
	requireDec(t, "1180", inv.TotalAmount)
	requireDec(t, "1180", inv.PendingAmount)
	require.Equal(t, StatusPending, inv.Status)
	require.False(t, inv.IsFullyPaid)
	require.True(t, inv.Balanced())

	require.Equal(t, int64(40), f.repo.state.products[1].Stock)
	require.Equal(t, int64(40), f.repo.state.records[1].Quantity)
	require.Len(t, f.repo.state.movements, 1)
	m := f.repo.state.movements[0]
	require.Equal(t, inventory.ChangeStockOut, m.ChangeType)
	require.Equal(t, int64(10), m.Change)
	require.Equal(t, "Invoice SAL-000001", m.Reason)
	require.Equal(t, "sales", m.RefModule)
	require.Equal(t, 1, f.events["invoice_created"])
}

func TestPurchaseAddsStockForVendor(t *testing.T) {
	f := newFixture()

	inv, err := f.svc.Create(context.Background(), CreateInput{
		Direction:      DirectionPurchase,
		CounterpartyID: 3,
		Items:          []LineInput{{ProductID: 2, Quantity: 5, UnitPrice: decimalPtr("80"), BagCount: 1, BagSize: dec("50")}},
		GSTPercentage:  dec("5"),
		DueDate:        fixedNow.AddDate(0, 0, 15),
	})
	require.NoError(t, err)
	require.Equal(t, "PUR-000001", inv.Number)
	require.Equal(t, ledger.PartyVendor, inv.CounterpartyType)
	requireDec(t, "400", inv.Subtotal)
	requireDec(t, "10", inv.CGST)
	requireDec(t, "420", inv.TotalAmount)
	require.Equal(t, int64(55), f.repo.state.products[2].Stock)
	require.Equal(t, inventory.ChangeStockIn, f.repo.state.movements[0].ChangeType)
	require.Len(t, f.repo.state.movements[0].Bags, 1)
}

func decimalPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestFullPaymentBeforeDueGrantsEarlyDiscount(t *testing.T) {
	f := newFixture()
	inv := f.createSale(t, 7, 10, "18")

	paid, err := f.svc.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:    inv.ID,
		PaymentInput: PaymentInput{Amount: dec("1180")},
	})
	require.NoError(t, err)
	requireDec(t, "20", paid.EarlyPaymentDiscount)
	requireDec(t, "88.2", paid.CGST)
	requireDec(t, "1156.4", paid.TotalAmount)
	requireDec(t, "1180", paid.AmountPaid)
	requireDec(t, "-23.6", paid.PendingAmount)
	require.Equal(t, StatusPaid, paid.Status)
	require.True(t, paid.IsFullyPaid)
	require.True(t, paid.Balanced())
	require.Equal(t, "bank", paid.Payments[0].Mode)
	require.Equal(t, int64(2), paid.Version)
	require.Zero(t, f.hooks.locks)
}

func TestPartialPaymentsKeepAmountsBalanced(t *testing.T) {
	f := newFixture()
	inv := f.createSale(t, 7, 10, "18")
	ctx := context.Background()

	for _, amount := range []string{"500", "300.55", "79.45"} {
		var err error
		inv, err = f.svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: inv.ID, PaymentInput: PaymentInput{Amount: dec(amount)}})
		require.NoError(t, err)
		require.True(t, inv.Balanced(), "after %s", amount)
		require.Equal(t, StatusPending, inv.Status)
	}
	requireDec(t, "880", inv.AmountPaid)
	requireDec(t, "300", inv.PendingAmount)
	require.Len(t, inv.Payments, 3)

	inv, err := f.svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: inv.ID, PaymentInput: PaymentInput{Amount: dec("300")}})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, inv.Status)
	requireDec(t, "1156.4", inv.TotalAmount)
	require.True(t, inv.Balanced())
}

func TestOverPaymentIsRejected(t *testing.T) {
	f := newFixture()
	inv := f.createSale(t, 7, 10, "18")

	_, err := f.svc.RecordPayment(context.Background(), RecordPaymentInput{InvoiceID: inv.ID, PaymentInput: PaymentInput{Amount: dec("1190.01")}})
	require.ErrorIs(t, err, shared.ErrOverPayment)

	_, err = f.svc.RecordPayment(context.Background(), RecordPaymentInput{InvoiceID: inv.ID, PaymentInput: PaymentInput{Amount: dec("0")}})
	require.ErrorIs(t, err, ErrInvalidAmount)

	stored, err := f.svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Empty(t, stored.Payments)
	requireDec(t, "1180", stored.PendingAmount)
}

func TestPaymentAfterDueSkipsDiscountAndOverdueIsReported(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv, err := f.svc.Create(ctx, CreateInput{
		Direction:      DirectionSale,
		CounterpartyID: 7,
		Items:          []LineInput{{ProductID: 1, Quantity: 10}},
		GSTPercentage:  dec("18"),
		IssuedAt:       fixedNow.AddDate(0, -2, 0),
		DueDate:        fixedNow.AddDate(0, 0, -1),
	})
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, inv.Status)

	inv, err = f.svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: inv.ID, PaymentInput: PaymentInput{Amount: dec("1180")}})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, inv.Status)
	require.True(t, inv.EarlyPaymentDiscount.IsZero())
	requireDec(t, "1180", inv.TotalAmount)
	requireDec(t, "0", inv.PendingAmount)
}

func TestRefreshOverdueMarksUnpaidPastDue(t *testing.T) {
	f := newFixture()
	inv := f.createSale(t, 7, 1, "0")
	f.svc.now = func() time.Time { return fixedNow.AddDate(0, 2, 0) }

	n, err := f.svc.RefreshOverdue(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, StatusOverdue, f.repo.state.invoices[inv.ID].Status)

	listed, page, err := f.svc.List(context.Background(), ListFilter{Direction: DirectionSale})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, 1, page.Total)
	require.Equal(t, StatusOverdue, listed[0].Status)
}

func TestCreateWithInitialPaymentPostsToLedger(t *testing.T) {
	f := newFixture()

	inv, err := f.svc.Create(context.Background(), CreateInput{
		Direction:      DirectionSale,
		CounterpartyID: 7,
		Items:          []LineInput{{ProductID: 1, Quantity: 10}},
		GSTPercentage:  dec("18"),
		DueDate:        fixedNow.AddDate(0, 0, 30),
		InitialPayment: &PaymentInput{Amount: dec("1180"), Mode: "cash"},
		PostToLedger:   true,
	})
	require.NoError(t, err)
	requireDec(t, "1156.4", inv.TotalAmount)
	require.Equal(t, StatusPaid, inv.Status)
	require.True(t, inv.Balanced())

	entries := f.repo.ledgerFor(ledger.PartyCustomer, 7)
	require.Len(t, entries, 1)
	require.Equal(t, ledger.TxOpening, entries[0].Type)
	requireDec(t, "1180", entries[0].BalanceAfter)
	require.Len(t, entries[0].Invoices, 1)
	require.Equal(t, inv.ID, entries[0].Invoices[0].InvoiceID)
	require.Equal(t, 1, f.hooks.locks)
	require.Equal(t, []string{"Customer:7"}, f.hooks.invalidated)
}

func TestSaleWithoutStockRollsBack(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Create(context.Background(), CreateInput{
		Direction:      DirectionSale,
		CounterpartyID: 7,
		Items:          []LineInput{{ProductID: 2, Quantity: 5}, {ProductID: 1, Quantity: 60}},
		DueDate:        fixedNow.AddDate(0, 0, 30),
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Empty(t, f.repo.state.invoices)
	require.Empty(t, f.repo.state.movements)
	require.Equal(t, int64(50), f.repo.state.products[2].Stock)
	require.Equal(t, int64(50), f.repo.state.products[1].Stock)
}

func TestCreateRejectsDeletedProduct(t *testing.T) {
	f := newFixture()
	p := f.repo.state.products[2]
	p.IsDeleted = true
	f.repo.state.products[2] = p

	_, err := f.svc.Create(context.Background(), CreateInput{
		Direction:      DirectionSale,
		CounterpartyID: 7,
		Items:          []LineInput{{ProductID: 2, Quantity: 1}},
		DueDate:        fixedNow,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReverseRestoresStock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.createSale(t, 7, 10, "18")
	require.Equal(t, int64(40), f.repo.state.products[1].Stock)

	require.NoError(t, f.svc.Reverse(ctx, inv.ID))
	require.Equal(t, int64(50), f.repo.state.products[1].Stock)
	require.Equal(t, int64(50), f.repo.state.records[1].Quantity)
	require.Len(t, f.repo.state.movements, 2)
	require.Equal(t, inventory.ChangeStockIn, f.repo.state.movements[1].ChangeType)

	_, err := f.svc.Get(ctx, inv.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.ErrorIs(t, f.svc.Reverse(ctx, inv.ID), shared.ErrNotFound)
}

func TestReversePurchaseNeedsStock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	purchase, err := f.svc.Create(ctx, CreateInput{
		Direction:      DirectionPurchase,
		CounterpartyID: 3,
		Items:          []LineInput{{ProductID: 1, Quantity: 10}},
		DueDate:        fixedNow.AddDate(0, 0, 30),
	})
	require.NoError(t, err)
	f.createSale(t, 7, 55, "0")
	require.Equal(t, int64(5), f.repo.state.products[1].Stock)

	err = f.svc.Reverse(ctx, purchase.ID)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Contains(t, f.repo.state.invoices, purchase.ID)
	require.Equal(t, int64(5), f.repo.state.products[1].Stock)
}

func TestAllocatePaymentSplitsAmountAndKasar(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := f.createSale(t, 9, 3, "0")
	b := f.createSale(t, 9, 4, "0")

	res, err := f.svc.AllocatePayment(ctx, AllocateInput{
		PartyID:    9,
		PartyType:  ledger.PartyCustomer,
		Amount:     dec("500"),
		Kasar:      dec("50"),
		InvoiceIDs: []uuid.UUID{a.ID, b.ID},
	})
	require.NoError(t, err)
	require.Len(t, res.Lines, 2)
	requireDec(t, "300", res.Lines[0].Paid)
	requireDec(t, "30", res.Lines[0].Kasar)
	requireDec(t, "200", res.Lines[1].Paid)
	requireDec(t, "20", res.Lines[1].Kasar)
	require.True(t, res.LeftoverAmount.IsZero())
	require.True(t, res.LeftoverKasar.IsZero())

	first, second := res.Invoices[0], res.Invoices[1]
	require.Equal(t, StatusPaid, first.Status)
	requireDec(t, "30", first.Kasar)
	requireDec(t, "-30", first.PendingAmount)
	require.Equal(t, StatusPending, second.Status)
	requireDec(t, "180", second.PendingAmount)
	require.True(t, first.Balanced())
	require.True(t, second.Balanced())
	require.Equal(t, "Bank Transaction", second.Payments[0].Remarks)

	require.Equal(t, ledger.TxOpening, res.Entry.Type)
	requireDec(t, "500", res.Entry.Amount)
	requireDec(t, "50", res.Entry.Kasar)
	require.Len(t, res.Entry.Invoices, 2)
	require.Len(t, f.repo.ledgerFor(ledger.PartyCustomer, 9), 1)
	require.Equal(t, []string{"Customer:9"}, f.hooks.invalidated)
	require.Equal(t, 1, f.events["payment_allocated"])
}

func TestAllocatePaymentReportsLeftover(t *testing.T) {
	f := newFixture()
	a := f.createSale(t, 9, 1, "0")

	res, err := f.svc.AllocatePayment(context.Background(), AllocateInput{
		PartyID:    9,
		PartyType:  ledger.PartyCustomer,
		Amount:     dec("250"),
		Kasar:      dec("5"),
		InvoiceIDs: []uuid.UUID{a.ID},
	})
	require.NoError(t, err)
	requireDec(t, "150", res.LeftoverAmount)
	requireDec(t, "3", res.LeftoverKasar)
	requireDec(t, "250", res.Entry.Amount)
}

func TestAllocatePaymentRollsBackOnMissingInvoice(t *testing.T) {
	f := newFixture()
	a := f.createSale(t, 9, 3, "0")

	_, err := f.svc.AllocatePayment(context.Background(), AllocateInput{
		PartyID:        9,
		PartyType:      ledger.PartyCustomer,
		Amount:         dec("100"),
		InvoiceIDs:     []uuid.UUID{a.ID, uuid.New()},
		IdempotencyKey: "retry-me",
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, f.repo.state.invoices[a.ID].Payments)
	require.True(t, f.repo.state.invoices[a.ID].AmountPaid.IsZero())
	require.Empty(t, f.repo.ledgerFor(ledger.PartyCustomer, 9))
	require.Empty(t, f.hooks.invalidated)

	_, err = f.svc.AllocatePayment(context.Background(), AllocateInput{
		PartyID:        9,
		PartyType:      ledger.PartyCustomer,
		Amount:         dec("100"),
		InvoiceIDs:     []uuid.UUID{a.ID},
		IdempotencyKey: "retry-me",
	})
	require.NoError(t, err)
}

func TestAllocatePaymentRejectsForeignInvoices(t *testing.T) {
	f := newFixture()
	other := f.createSale(t, 10, 1, "0")

	_, err := f.svc.AllocatePayment(context.Background(), AllocateInput{
		PartyID:    9,
		PartyType:  ledger.PartyCustomer,
		Amount:     dec("100"),
		InvoiceIDs: []uuid.UUID{other.ID},
	})
	require.ErrorIs(t, err, ErrWrongParty)

	_, err = f.svc.AllocatePayment(context.Background(), AllocateInput{
		PartyID:    10,
		PartyType:  ledger.PartyVendor,
		Amount:     dec("100"),
		InvoiceIDs: []uuid.UUID{other.ID},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAllocatePaymentValidatesInput(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	cases := []AllocateInput{
		{PartyID: 9, PartyType: "Supplier", Amount: dec("1"), InvoiceIDs: []uuid.UUID{id}},
		{PartyID: 0, PartyType: ledger.PartyCustomer, Amount: dec("1"), InvoiceIDs: []uuid.UUID{id}},
		{PartyID: 9, PartyType: ledger.PartyCustomer, Amount: dec("-1"), InvoiceIDs: []uuid.UUID{id}},
		{PartyID: 9, PartyType: ledger.PartyCustomer, Amount: dec("1"), Kasar: dec("-1"), InvoiceIDs: []uuid.UUID{id}},
		{PartyID: 9, PartyType: ledger.PartyCustomer, Amount: dec("1")},
		{PartyID: 9, PartyType: ledger.PartyCustomer, Amount: dec("1"), InvoiceIDs: []uuid.UUID{id, id}},
	}
	for i, in := range cases {
		_, err := f.svc.AllocatePayment(context.Background(), in)
		require.ErrorIs(t, err, shared.ErrValidation, "case %d", i)
	}
}

func TestAllocatePaymentIdempotencyKeyBlocksReplay(t *testing.T) {
	f := newFixture()
	a := f.createSale(t, 9, 3, "0")
	in := AllocateInput{
		PartyID:        9,
		PartyType:      ledger.PartyCustomer,
		Amount:         dec("100"),
		InvoiceIDs:     []uuid.UUID{a.ID},
		IdempotencyKey: "bank-ref-1",
	}

	_, err := f.svc.AllocatePayment(context.Background(), in)
	require.NoError(t, err)
	_, err = f.svc.AllocatePayment(context.Background(), in)
	require.True(t, errors.Is(err, shared.ErrIdempotencyConflict))

	stored := f.repo.state.invoices[a.ID]
	requireDec(t, "100", stored.AmountPaid)
	require.Len(t, f.repo.ledgerFor(ledger.PartyCustomer, 9), 1)
}

func TestVendorAllocationDebitsLedger(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.svc.AllocatePayment(ctx, AllocateInput{PartyID: 3, PartyType: ledger.PartyVendor, Amount: dec("0"), InvoiceIDs: []uuid.UUID{uuid.New()}})
	require.ErrorIs(t, err, shared.ErrNotFound)

	p, err := f.svc.Create(ctx, CreateInput{
		Direction:      DirectionPurchase,
		CounterpartyID: 3,
		Items:          []LineInput{{ProductID: 1, Quantity: 2}},
		DueDate:        fixedNow.AddDate(0, 0, 30),
	})
	require.NoError(t, err)
	for _, amount := range []string{"50", "70"} {
		_, err = f.svc.AllocatePayment(ctx, AllocateInput{PartyID: 3, PartyType: ledger.PartyVendor, Amount: dec(amount), InvoiceIDs: []uuid.UUID{p.ID}})
		require.NoError(t, err)
	}
	entries := f.repo.ledgerFor(ledger.PartyVendor, 3)
	require.Len(t, entries, 2)
	require.Equal(t, ledger.TxOpening, entries[0].Type)
	require.Equal(t, ledger.TxDebit, entries[1].Type)
	requireDec(t, "-20", entries[1].BalanceAfter)
}

func TestLastNumberTracksSequence(t *testing.T) {
	f := newFixture()
	last, err := f.svc.LastNumber(context.Background(), DirectionSale)
	require.NoError(t, err)
	require.Empty(t, last)

	f.createSale(t, 7, 1, "0")
	f.createSale(t, 7, 1, "0")
	last, err = f.svc.LastNumber(context.Background(), DirectionSale)
	require.NoError(t, err)
	require.Equal(t, "SAL-000002", last)

	_, err = f.svc.LastNumber(context.Background(), Direction("RETURN"))
	require.ErrorIs(t, err, shared.ErrValidation)
}

func bumpProduct(id int64) func(*memoryState) {
	return func(s *memoryState) {
		p := s.products[id]
		p.Version++
		s.products[id] = p
	}
}

func bumpInvoice(id uuid.UUID) func(*memoryState) {
	return func(s *memoryState) {
		inv := s.invoices[id]
		inv.Version++
		s.invoices[id] = inv
	}
}

func TestCreateLosesStockRaceWithoutWriting(t *testing.T) {
	f := newFixture()
	f.repo.interleave = bumpProduct(1)

	_, err := f.svc.Create(context.Background(), CreateInput{
		Direction:      DirectionSale,
		CounterpartyID: 7,
		Items:          []LineInput{{ProductID: 1, Quantity: 10}},
		DueDate:        fixedNow.AddDate(0, 0, 30),
		InitialPayment: &PaymentInput{Amount: dec("1000")},
		PostToLedger:   true,
	})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	require.Equal(t, int64(50), f.repo.state.products[1].Stock)
	require.Equal(t, int64(50), f.repo.state.records[1].Quantity)
	require.Empty(t, f.repo.state.movements)
	require.Empty(t, f.repo.state.invoices)
	require.Empty(t, f.repo.ledgerFor(ledger.PartyCustomer, 7))
	require.Zero(t, f.events["invoice_created"])
}

func TestRecordPaymentLosesInvoiceRaceWithoutWriting(t *testing.T) {
	f := newFixture()
	inv := f.createSale(t, 7, 10, "0")
	f.repo.interleave = bumpInvoice(inv.ID)

	_, err := f.svc.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:    inv.ID,
		PaymentInput: PaymentInput{Amount: dec("400")},
		PostToLedger: true,
	})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	stored := f.repo.state.invoices[inv.ID]
	require.Equal(t, inv.Version, stored.Version)
	require.True(t, stored.AmountPaid.IsZero())
	require.Empty(t, stored.Payments)
	require.Empty(t, f.repo.ledgerFor(ledger.PartyCustomer, 7))
}

func TestAllocatePaymentLosesInvoiceRaceWithoutWriting(t *testing.T) {
	f := newFixture()
	a := f.createSale(t, 9, 3, "0")
	b := f.createSale(t, 9, 4, "0")
	f.repo.interleave = bumpInvoice(a.ID)

	_, err := f.svc.AllocatePayment(context.Background(), AllocateInput{
		PartyID:    9,
		PartyType:  ledger.PartyCustomer,
		Amount:     dec("500"),
		Kasar:      dec("50"),
		InvoiceIDs: []uuid.UUID{a.ID, b.ID},
	})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		stored := f.repo.state.invoices[id]
		require.True(t, stored.AmountPaid.IsZero())
		require.True(t, stored.Kasar.IsZero())
		require.Empty(t, stored.Payments)
	}
	require.Empty(t, f.repo.ledgerFor(ledger.PartyCustomer, 9))
	require.Zero(t, f.events["payment_allocated"])
}
