// Package memory 内存版仓储与执行单元，用于测试与本地演练。
// Do 在失败时恢复快照，模拟数据库事务的回滚语义。
package memory

import (
	"context"
	"sync"

	ledgerdomain "github.com/wyfcoding/spotmargin/internal/ledger/domain"
	registrydomain "github.com/wyfcoding/spotmargin/internal/registry/domain"
)

type Store struct {
	mu        sync.Mutex
	positions map[string]*ledgerdomain.Position
	markets   map[string]*registrydomain.Market
}

func NewStore() *Store {
	return &Store{
		positions: map[string]*ledgerdomain.Position{},
		markets:   map[string]*registrydomain.Market{},
	}
}

func positionKey(owner, marketID string) string {
	return owner + "|" + marketID
}

// SeedMarket 预置市场记录
func (s *Store) SeedMarket(market *registrydomain.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *market
	s.markets[market.ID] = &cp
}

// SeedPosition 预置仓位记录
func (s *Store) SeedPosition(position *ledgerdomain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[positionKey(position.Owner, position.MarketID)] = position.Clone()
}

// Market 读取市场当前状态副本
func (s *Store) Market(id string) *registrydomain.Market {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.markets[id]; ok {
		cp := *m
		return &cp
	}
	return nil
}

// Position 读取仓位当前状态副本，不存在返回 nil
func (s *Store) Position(owner, marketID string) *ledgerdomain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[positionKey(owner, marketID)]; ok {
		return p.Clone()
	}
	return nil
}

// Do 执行原子单元。fn 返回错误时恢复进入时的快照。
func (s *Store) Do(ctx context.Context, fn func(positions ledgerdomain.PositionRepository, markets registrydomain.MarketRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	posSnap := make(map[string]*ledgerdomain.Position, len(s.positions))
	for k, v := range s.positions {
		posSnap[k] = v.Clone()
	}
	mktSnap := make(map[string]*registrydomain.Market, len(s.markets))
	for k, v := range s.markets {
		cp := *v
		mktSnap[k] = &cp
	}

	err := fn(&positionRepo{store: s}, &marketRepo{store: s})
	if err != nil {
		s.positions = posSnap
		s.markets = mktSnap
	}
	return err
}

// Transact 市场仓储的事务入口，与 Do 共用回滚语义
func (s *Store) Transact(ctx context.Context, fn func(repo registrydomain.MarketRepository) error) error {
	return s.Do(ctx, func(_ ledgerdomain.PositionRepository, markets registrydomain.MarketRepository) error {
		return fn(markets)
	})
}

func (s *Store) Create(ctx context.Context, market *registrydomain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[market.ID]; ok {
		return registrydomain.ErrMarketAlreadyExists
	}
	cp := *market
	s.markets[market.ID] = &cp
	return nil
}

func (s *Store) Save(ctx context.Context, market *registrydomain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&marketRepo{store: s}).save(market)
}

func (s *Store) FindByID(ctx context.Context, id string) (*registrydomain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&marketRepo{store: s}).find(id)
}

func (s *Store) FindByIDForUpdate(ctx context.Context, id string) (*registrydomain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&marketRepo{store: s}).find(id)
}

func (s *Store) FindAll(ctx context.Context) ([]*registrydomain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*registrydomain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

type positionRepo struct {
	store *Store
}

func (r *positionRepo) Create(ctx context.Context, position *ledgerdomain.Position) error {
	key := positionKey(position.Owner, position.MarketID)
	if _, ok := r.store.positions[key]; ok {
		return ledgerdomain.ErrPositionAlreadyExists
	}
	r.store.positions[key] = position.Clone()
	return nil
}

func (r *positionRepo) Save(ctx context.Context, position *ledgerdomain.Position) error {
	key := positionKey(position.Owner, position.MarketID)
	if _, ok := r.store.positions[key]; !ok {
		return ledgerdomain.ErrPositionNotFound
	}
	r.store.positions[key] = position.Clone()
	return nil
}

func (r *positionRepo) Delete(ctx context.Context, owner, marketID string) error {
	delete(r.store.positions, positionKey(owner, marketID))
	return nil
}

func (r *positionRepo) Find(ctx context.Context, owner, marketID string) (*ledgerdomain.Position, error) {
	if p, ok := r.store.positions[positionKey(owner, marketID)]; ok {
		return p.Clone(), nil
	}
	return nil, ledgerdomain.ErrPositionNotFound
}

func (r *positionRepo) FindForUpdate(ctx context.Context, owner, marketID string) (*ledgerdomain.Position, error) {
	return r.Find(ctx, owner, marketID)
}

type marketRepo struct {
	store *Store
}

func (r *marketRepo) Create(ctx context.Context, market *registrydomain.Market) error {
	if _, ok := r.store.markets[market.ID]; ok {
		return registrydomain.ErrMarketAlreadyExists
	}
	cp := *market
	r.store.markets[market.ID] = &cp
	return nil
}

func (r *marketRepo) save(market *registrydomain.Market) error {
	cur, ok := r.store.markets[market.ID]
	if !ok {
		return registrydomain.ErrMarketNotFound
	}
	if market.Version < cur.Version {
		return registrydomain.ErrVersionConflict
	}
	cp := *market
	r.store.markets[market.ID] = &cp
	return nil
}

func (r *marketRepo) Save(ctx context.Context, market *registrydomain.Market) error {
	return r.save(market)
}

func (r *marketRepo) find(id string) (*registrydomain.Market, error) {
	if m, ok := r.store.markets[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, registrydomain.ErrMarketNotFound
}

func (r *marketRepo) FindByID(ctx context.Context, id string) (*registrydomain.Market, error) {
	return r.find(id)
}

func (r *marketRepo) FindByIDForUpdate(ctx context.Context, id string) (*registrydomain.Market, error) {
	return r.find(id)
}

func (r *marketRepo) FindAll(ctx context.Context) ([]*registrydomain.Market, error) {
	out := make([]*registrydomain.Market, 0, len(r.store.markets))
	for _, m := range r.store.markets {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}
