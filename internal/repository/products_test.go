package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/repository"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

type ProductsSuite struct {
	suite.Suite
	strategy repository.Strategy
	mem      *store.Memory
	repo     *repository.Products
	ctx      context.Context
}

func TestProductsIndexStrategy(t *testing.T) {
	suite.Run(t, &ProductsSuite{strategy: repository.StrategyIndex})
}

func TestProductsClaimStrategy(t *testing.T) {
	suite.Run(t, &ProductsSuite{strategy: repository.StrategyClaim})
}

func (s *ProductsSuite) SetupTest() {
	s.ctx = context.Background()
	s.mem = store.NewMemory()
	var opts []repository.Option
	if s.strategy == repository.StrategyClaim {
		opts = append(opts, repository.WithClaims(s.mem))
	}
	opts = append(opts, repository.WithPageSize(2))
	s.repo = repository.New(s.mem, opts...)
	s.Require().Equal(s.strategy, s.repo.Strategy())
}

func (s *ProductsSuite) newProduct(code string) model.Product {
	return model.Product{ID: uuid.NewString(), Code: code, Name: "Widget", Model: "M1", Price: 9.99}
}

func (s *ProductsSuite) TestCreate_RoundTrip() {
	// GIVEN
	p := s.newProduct("SKU1")

	// WHEN
	err := s.repo.Create(s.ctx, p)

	// THEN
	s.Require().NoError(err)
	got, ok, err := s.repo.GetByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(p, got)
}

func (s *ProductsSuite) TestCreate_DuplicateCodeRejected() {
	first := s.newProduct("SKU1")
	s.Require().NoError(s.repo.Create(s.ctx, first))

	err := s.repo.Create(s.ctx, s.newProduct("SKU1"))

	var conflict *repository.CodeExistsError
	s.Require().ErrorAs(err, &conflict)
	s.Equal(first.ID, conflict.ExistingID)
	s.ErrorIs(err, repository.ErrCodeExists)
	s.Equal(1, s.mem.Len(), "no row may be written on conflict")
}

func (s *ProductsSuite) TestCreate_SequentialCodesStayUnique() {
	codes := map[string]string{}
	for i := 0; i < 20; i++ {
		p := s.newProduct(fmt.Sprintf("C%d", i%5))
		err := s.repo.Create(s.ctx, p)
		if i < 5 {
			s.Require().NoError(err)
			codes[p.Code] = p.ID
			continue
		}
		var conflict *repository.CodeExistsError
		s.Require().ErrorAs(err, &conflict)
		s.Equal(codes[p.Code], conflict.ExistingID)
	}
	all, err := s.repo.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 5)
}

func (s *ProductsSuite) TestGetByCode() {
	p := s.newProduct("X")
	s.Require().NoError(s.repo.Create(s.ctx, p))

	got, ok, err := s.repo.GetByCode(s.ctx, "X")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(p, got)

	_, ok, err = s.repo.GetByCode(s.ctx, "x")
	s.Require().NoError(err)
	s.False(ok, "code matching is case sensitive")
}

func (s *ProductsSuite) TestUpdate_MissingIDIsNotFound() {
	_, err := s.repo.Update(s.ctx, s.newProduct("NEW"), "does-not-exist")

	s.ErrorIs(err, repository.ErrNotFound)
	s.Equal(0, s.mem.Len(), "update must not create a row")
	if s.strategy == repository.StrategyClaim {
		// the code stays available
		s.NoError(s.repo.Create(s.ctx, s.newProduct("NEW")))
	}
}

func (s *ProductsSuite) TestUpdate_KeepOwnCode() {
	p := s.newProduct("OWN")
	s.Require().NoError(s.repo.Create(s.ctx, p))

	in := p
	in.ID = ""
	in.Name = "Renamed"
	in.Price = 20
	got, err := s.repo.Update(s.ctx, in, p.ID)

	s.Require().NoError(err)
	s.Equal(p.ID, got.ID)
	s.Equal("Renamed", got.Name)
	stored, _, _ := s.repo.GetByID(s.ctx, p.ID)
	s.Equal(got, stored)
}

func (s *ProductsSuite) TestUpdate_CodeCollision() {
	a := s.newProduct("A")
	b := s.newProduct("B")
	s.Require().NoError(s.repo.Create(s.ctx, a))
	s.Require().NoError(s.repo.Create(s.ctx, b))

	in := b
	in.Code = "A"
	_, err := s.repo.Update(s.ctx, in, b.ID)

	var conflict *repository.CodeExistsError
	s.Require().ErrorAs(err, &conflict)
	s.Equal(a.ID, conflict.ExistingID)
	stored, _, _ := s.repo.GetByID(s.ctx, b.ID)
	s.Equal("B", stored.Code)
}

func (s *ProductsSuite) TestUpdate_ChangeCodeFreesOldCode() {
	p := s.newProduct("OLD")
	s.Require().NoError(s.repo.Create(s.ctx, p))

	in := p
	in.Code = "NEW"
	_, err := s.repo.Update(s.ctx, in, p.ID)
	s.Require().NoError(err)

	s.NoError(s.repo.Create(s.ctx, s.newProduct("OLD")))
	var conflict *repository.CodeExistsError
	s.ErrorAs(s.repo.Create(s.ctx, s.newProduct("NEW")), &conflict)
}

func (s *ProductsSuite) TestDelete_Idempotent() {
	p := s.newProduct("DEL")
	s.Require().NoError(s.repo.Create(s.ctx, p))

	got, ok, err := s.repo.DeleteByID(s.ctx, p.ID)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(p, got)

	_, ok, err = s.repo.DeleteByID(s.ctx, p.ID)
	s.NoError(err)
	s.False(ok)

	_, ok, err = s.repo.DeleteByID(s.ctx, "never-existed")
	s.NoError(err)
	s.False(ok)

	s.NoError(s.repo.Create(s.ctx, s.newProduct("DEL")), "deleted code is reusable")
}

func (s *ProductsSuite) TestListPagesAndAll() {
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.repo.Create(s.ctx, s.newProduct(fmt.Sprintf("L%d", i))))
	}

	page, err := s.repo.List(s.ctx, "", 2)
	s.Require().NoError(err)
	s.Len(page.Items, 2)
	s.NotEmpty(page.Next)

	n := 0
	for p, err := range s.repo.All(s.ctx) {
		s.Require().NoError(err)
		s.NotEmpty(p.ID)
		n++
		if n == 3 {
			break
		}
	}
	s.Equal(3, n, "early break stops iteration")

	all, err := s.repo.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 5)
}

func TestListAllEmptyIsNotNil(t *testing.T) {
	repo := repository.New(store.NewMemory())
	all, err := repo.ListAll(context.Background())
	if err != nil || all == nil || len(all) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v %v", all, err)
	}
}

// gatedTable holds every Query until n callers have arrived, widening the
// window between the uniqueness check and the write.
type gatedTable struct {
	*store.Memory
	wg sync.WaitGroup
}

func newGatedTable(n int) *gatedTable {
	g := &gatedTable{Memory: store.NewMemory()}
	g.wg.Add(n)
	return g
}

func (g *gatedTable) Query(ctx context.Context, index, value string, limit int) ([]model.Product, error) {
	res, err := g.Memory.Query(ctx, index, value, limit)
	g.wg.Done()
	g.wg.Wait()
	return res, err
}

func concurrentCreates(repo *repository.Products, n int) (ok int) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := model.Product{ID: uuid.NewString(), Code: "RACE"}
			if err := repo.Create(context.Background(), p); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return ok
}

func TestIndexStrategyRaceAdmitsDuplicates(t *testing.T) {
	tbl := newGatedTable(2)
	repo := repository.New(tbl)

	if got := concurrentCreates(repo, 2); got != 2 {
		t.Fatalf("expected both racing creates to pass the check, got %d", got)
	}
	dups, _ := tbl.Memory.Query(context.Background(), store.CodeIndex, "RACE", 0)
	if len(dups) != 2 {
		t.Fatalf("expected the documented duplicate, got %d rows", len(dups))
	}
}

func TestClaimStrategyRejectsRacingDuplicates(t *testing.T) {
	mem := store.NewMemory()
	repo := repository.New(mem, repository.WithClaims(mem))

	if got := concurrentCreates(repo, 50); got != 1 {
		t.Fatalf("expected exactly one create to win, got %d", got)
	}
	if mem.Len() != 1 {
		t.Fatalf("expected one row, got %d", mem.Len())
	}
}

type failingPut struct {
	*store.Memory
}

func (f failingPut) PutItem(context.Context, model.Product) error {
	return errors.New("disk full")
}

func TestClaimReleasedWhenPutFails(t *testing.T) {
	mem := store.NewMemory()
	repo := repository.New(failingPut{mem}, repository.WithClaims(mem))
	ctx := context.Background()

	if err := repo.Create(ctx, model.Product{ID: "a", Code: "Z"}); err == nil {
		t.Fatalf("expected put failure")
	}
	if _, err := mem.ClaimCode(ctx, "Z", "b"); err != nil {
		t.Fatalf("claim should have been rolled back: %v", err)
	}
}

type failingQuery struct {
	*store.Memory
}

func (f failingQuery) Query(context.Context, string, string, int) ([]model.Product, error) {
	return nil, errors.New("index unavailable")
}

func TestStoreErrorsPropagate(t *testing.T) {
	repo := repository.New(failingQuery{store.NewMemory()})
	ctx := context.Background()

	err := repo.Create(ctx, model.Product{ID: "a", Code: "Q"})
	if err == nil || errors.Is(err, repository.ErrCodeExists) {
		t.Fatalf("expected opaque store error, got %v", err)
	}
	if _, _, err := repo.GetByCode(ctx, "Q"); err == nil {
		t.Fatalf("expected error from GetByCode")
	}
}

// pausingSwap holds the first SwapItem call until resume is closed, either
// before or after the underlying swap runs.
type pausingSwap struct {
	*store.Memory
	afterSwap bool
	once      sync.Once
	paused    chan struct{}
	resume    chan struct{}
}

func newPausingSwap(mem *store.Memory, afterSwap bool) *pausingSwap {
	return &pausingSwap{Memory: mem, afterSwap: afterSwap, paused: make(chan struct{}), resume: make(chan struct{})}
}

func (p *pausingSwap) SwapItem(ctx context.Context, prod model.Product, oldCode string) error {
	first := false
	p.once.Do(func() { first = true })
	if first && !p.afterSwap {
		close(p.paused)
		<-p.resume
	}
	err := p.Memory.SwapItem(ctx, prod, oldCode)
	if first && p.afterSwap {
		close(p.paused)
		<-p.resume
	}
	return err
}

// interleave runs first until it is paused inside SwapItem, runs second to
// completion, then lets first finish.
func interleave(t *testing.T, sw *pausingSwap, first, second func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- first() }()
	<-sw.paused
	if err := second(); err != nil {
		t.Fatalf("second update: %v", err)
	}
	close(sw.resume)
	if err := <-done; err != nil {
		t.Fatalf("first update: %v", err)
	}
}

func codeCount(t *testing.T, mem *store.Memory, code string) int {
	t.Helper()
	items, err := mem.Query(context.Background(), store.CodeIndex, code, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return len(items)
}

func TestClaimedUpdatesOfOneRowKeepCodeClaimed(t *testing.T) {
	mem := store.NewMemory()
	sw := newPausingSwap(mem, true)
	repo := repository.New(mem, repository.WithClaims(sw))
	ctx := context.Background()
	if err := repo.Create(ctx, model.Product{ID: "x", Code: "A"}); err != nil {
		t.Fatalf("create x: %v", err)
	}

	interleave(t, sw,
		func() error { _, err := repo.Update(ctx, model.Product{Code: "B"}, "x"); return err },
		func() error { _, err := repo.Update(ctx, model.Product{Code: "A"}, "x"); return err },
	)

	got, _, _ := repo.GetByID(ctx, "x")
	if got.Code != "A" {
		t.Fatalf("expected x to end with code A, got %q", got.Code)
	}
	var conflict *repository.CodeExistsError
	if err := repo.Create(ctx, model.Product{ID: "y", Code: "A"}); !errors.As(err, &conflict) || conflict.ExistingID != "x" {
		t.Fatalf("code A must still be owned by x, got %v", err)
	}
	if n := codeCount(t, mem, "A"); n != 1 {
		t.Fatalf("expected one row with code A, got %d", n)
	}
	if err := repo.Create(ctx, model.Product{ID: "z", Code: "B"}); err != nil {
		t.Fatalf("code B should have been released: %v", err)
	}
}

func TestClaimedUpdateRetriesOnStaleCode(t *testing.T) {
	mem := store.NewMemory()
	sw := newPausingSwap(mem, false)
	repo := repository.New(mem, repository.WithClaims(sw))
	ctx := context.Background()
	if err := repo.Create(ctx, model.Product{ID: "x", Code: "A"}); err != nil {
		t.Fatalf("create x: %v", err)
	}

	interleave(t, sw,
		func() error { _, err := repo.Update(ctx, model.Product{Code: "B"}, "x"); return err },
		func() error { _, err := repo.Update(ctx, model.Product{Code: "C"}, "x"); return err },
	)

	got, _, _ := repo.GetByID(ctx, "x")
	if got.Code != "B" {
		t.Fatalf("expected the later swap to win with B, got %q", got.Code)
	}
	for _, code := range []string{"A", "C"} {
		if err := repo.Create(ctx, model.Product{ID: "new-" + code, Code: code}); err != nil {
			t.Fatalf("code %s should be free: %v", code, err)
		}
	}
	if err := repo.Create(ctx, model.Product{ID: "dup", Code: "B"}); !errors.Is(err, repository.ErrCodeExists) {
		t.Fatalf("code B must stay claimed, got %v", err)
	}
}

// alwaysStale makes every swap lose, as if another writer always got there
// first.
type alwaysStale struct {
	*store.Memory
}

func (alwaysStale) SwapItem(context.Context, model.Product, string) error {
	return store.ErrConditionFailed
}

func TestClaimedUpdateGivesUpUnderContention(t *testing.T) {
	mem := store.NewMemory()
	repo := repository.New(mem, repository.WithClaims(alwaysStale{mem}))
	ctx := context.Background()
	if err := repo.Create(ctx, model.Product{ID: "x", Code: "A"}); err != nil {
		t.Fatalf("create x: %v", err)
	}

	_, err := repo.Update(ctx, model.Product{Code: "B"}, "x")
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := mem.ClaimCode(ctx, "B", "other"); err != nil {
		t.Fatalf("claim on B should have been released: %v", err)
	}
}
