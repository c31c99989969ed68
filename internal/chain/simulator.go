package chain

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/roach88/sqfstream/internal/balance"
	"github.com/roach88/sqfstream/internal/bigmath"
	"github.com/roach88/sqfstream/internal/matching"
)

// Grantee registers a funding recipient with the simulator.
type Grantee struct {
	// ID is the recipient identifier passed to Allocate.
	ID string `yaml:"id" json:"id"`

	// SuperApp is the address contributions stream to.
	SuperApp string `yaml:"super_app" json:"super_app"`

	// Units and FlowRate seed the recipient's pool membership.
	Units    *big.Int `yaml:"units" json:"units"`
	FlowRate *big.Int `yaml:"flow_rate" json:"flow_rate"`
}

// SimulatorConfig seeds a Simulator.
type SimulatorConfig struct {
	Account        string
	Token          string
	PoolID         string
	Strategy       string
	Underlying     *big.Int
	Allowance      *big.Int
	SuperBalance   *big.Int
	Native         *big.Int
	NativeAsset    bool
	PoolFlowRate   *big.Int
	OtherPoolUnits *big.Int
	Grantees       []Grantee
	ExistingFlows  map[string]*big.Int
	Scores         map[string]int64
	Params         matching.Params
	Now            func() int64
}

type simOp struct {
	id        int
	kind      OpKind
	amount    *big.Int
	operator  string
	recipient string
	owner     *Simulator
}

func (o *simOp) Kind() OpKind { return o.kind }

func (o *simOp) String() string {
	switch o.kind {
	case OpApprove, OpWrap:
		return fmt.Sprintf("%s#%d amount=%s", o.kind, o.id, o.amount)
	case OpUpdatePermission:
		return fmt.Sprintf("%s#%d operator=%s rate=%s", o.kind, o.id, o.operator, o.amount)
	case OpAllocate:
		return fmt.Sprintf("%s#%d recipient=%s rate=%s", o.kind, o.id, o.recipient, o.amount)
	default:
		return fmt.Sprintf("%s#%d receiver=%s", o.kind, o.id, o.recipient)
	}
}

// Simulator is an in-memory chain: one account streaming one super token
// into the grantees of one distribution pool.
//
// It implements Reader, Operator, Allocator and ScoreSource. Submitted
// operations apply the same rules the contracts enforce (allowance, balance,
// flow permission) and update the pool with the matching formula.
type Simulator struct {
	mu sync.Mutex

	account     string
	token       string
	poolID      string
	strategy    string
	nativeAsset bool
	params      matching.Params
	now         func() int64

	underlying  *big.Int
	allowance   *big.Int
	native      *big.Int
	snapshot    balance.Snapshot
	permissions map[string]*big.Int
	flows       map[string]*big.Int
	superApps   map[string]string
	pool        matching.PoolState
	otherUnits  *big.Int
	members     map[string]matching.Member
	scores      map[string]int64

	nextID    int
	failures  map[OpKind][]error
	blocking  map[OpKind]bool
	submitted []string
}

// NewSimulator creates a simulator seeded from cfg.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	params := cfg.Params
	if params.Scale == nil && params.K == nil {
		params = matching.DefaultParams()
	}

	s := &Simulator{
		account:     cfg.Account,
		token:       cfg.Token,
		poolID:      cfg.PoolID,
		strategy:    cfg.Strategy,
		nativeAsset: cfg.NativeAsset,
		params:      params,
		now:         now,
		underlying:  bigmath.Clone(bigmath.OrZero(cfg.Underlying)),
		allowance:   bigmath.Clone(bigmath.OrZero(cfg.Allowance)),
		native:      bigmath.Clone(bigmath.OrZero(cfg.Native)),
		permissions: make(map[string]*big.Int),
		flows:       make(map[string]*big.Int),
		superApps:   make(map[string]string),
		otherUnits:  bigmath.Clone(bigmath.OrZero(cfg.OtherPoolUnits)),
		members:     make(map[string]matching.Member),
		scores:      make(map[string]int64),
		failures:    make(map[OpKind][]error),
		blocking:    make(map[OpKind]bool),
	}

	totalUnits := bigmath.Clone(s.otherUnits)
	for _, g := range cfg.Grantees {
		m := matching.Member{
			Units:    bigmath.Clone(bigmath.OrZero(g.Units)),
			FlowRate: bigmath.Clone(bigmath.OrZero(g.FlowRate)),
		}
		s.members[g.ID] = m
		s.superApps[g.SuperApp] = g.ID
		totalUnits.Add(totalUnits, m.Units)
	}
	s.pool = matching.PoolState{
		TotalUnits:    totalUnits,
		TotalFlowRate: bigmath.Clone(bigmath.OrZero(cfg.PoolFlowRate)),
	}

	outflow := new(big.Int)
	for id, rate := range cfg.ExistingFlows {
		s.flows[id] = bigmath.Clone(rate)
		outflow.Add(outflow, rate)
	}
	s.snapshot = balance.Snapshot{
		Account:         cfg.Account,
		Token:           cfg.Token,
		BalanceAtUpdate: bigmath.Clone(bigmath.OrZero(cfg.SuperBalance)),
		NetFlowRate:     outflow.Neg(outflow),
		UpdatedAt:       now(),
	}
	for acct, score := range cfg.Scores {
		s.scores[acct] = score
	}
	return s
}

// FailNext makes the next submission of kind fail with err.
// Repeated calls queue failures in order.
func (s *Simulator) FailNext(kind OpKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] = append(s.failures[kind], err)
}

// BlockOn makes submissions of kind wait until their context is done.
func (s *Simulator) BlockOn(kind OpKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocking[kind] = true
}

// Submitted returns descriptions of every confirmed operation in order.
func (s *Simulator) Submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

// SetScore sets an account's reputation score.
func (s *Simulator) SetScore(account string, score int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[account] = score
}

// --- Reader ---

func (s *Simulator) FlowSnapshot(ctx context.Context, account, token string) (balance.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return balance.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if account != s.account || token != s.token {
		return balance.Snapshot{Account: account, Token: token,
			BalanceAtUpdate: new(big.Int), NetFlowRate: new(big.Int), UpdatedAt: s.now()}, nil
	}
	return copySnapshot(s.snapshot), nil
}

func (s *Simulator) PoolState(ctx context.Context, poolID string) (matching.PoolState, error) {
	if err := ctx.Err(); err != nil {
		return matching.PoolState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if poolID != s.poolID {
		return matching.PoolState{}, fmt.Errorf("pool %s not found", poolID)
	}
	return matching.PoolState{
		TotalUnits:    bigmath.Clone(s.pool.TotalUnits),
		TotalFlowRate: bigmath.Clone(s.pool.TotalFlowRate),
	}, nil
}

func (s *Simulator) Member(ctx context.Context, poolID, grantee string) (matching.Member, error) {
	if err := ctx.Err(); err != nil {
		return matching.Member{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if poolID != s.poolID {
		return matching.Member{}, fmt.Errorf("pool %s not found", poolID)
	}
	m, ok := s.members[grantee]
	if !ok {
		return matching.Member{Units: new(big.Int), FlowRate: new(big.Int)}, nil
	}
	return matching.Member{Units: bigmath.Clone(m.Units), FlowRate: bigmath.Clone(m.FlowRate)}, nil
}

func (s *Simulator) Allowance(ctx context.Context, owner string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner != s.account {
		return new(big.Int), nil
	}
	return bigmath.Clone(s.allowance), nil
}

func (s *Simulator) FlowRate(ctx context.Context, sender, receiver string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sender != s.account {
		return new(big.Int), nil
	}
	id, ok := s.superApps[receiver]
	if !ok {
		id = receiver
	}
	return bigmath.Clone(bigmath.OrZero(s.flows[id])), nil
}

func (s *Simulator) NativeBalance(ctx context.Context, account string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if account != s.account {
		return new(big.Int), nil
	}
	return bigmath.Clone(s.native), nil
}

// UnderlyingBalance returns the account's unwrapped token balance.
func (s *Simulator) UnderlyingBalance() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bigmath.Clone(s.underlying)
}

// Permission returns the flow-rate allowance granted to operator.
func (s *Simulator) Permission(operator string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bigmath.Clone(bigmath.OrZero(s.permissions[operator]))
}

// --- ScoreSource ---

func (s *Simulator) Score(ctx context.Context, account string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[account], nil
}

// --- Operator and Allocator ---

func (s *Simulator) prepare(ctx context.Context, op *simOp) (OperationHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if op.amount != nil && op.amount.Sign() < 0 {
		return nil, fmt.Errorf("%s: negative amount %s", op.kind, op.amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	op.id = s.nextID
	op.owner = s
	return op, nil
}

func (s *Simulator) Approve(ctx context.Context, amount *big.Int) (OperationHandle, error) {
	return s.prepare(ctx, &simOp{kind: OpApprove, amount: bigmath.Clone(bigmath.OrZero(amount))})
}

func (s *Simulator) Wrap(ctx context.Context, amount *big.Int) (OperationHandle, error) {
	return s.prepare(ctx, &simOp{kind: OpWrap, amount: bigmath.Clone(bigmath.OrZero(amount))})
}

func (s *Simulator) UpdatePermission(ctx context.Context, operator string, flowRate *big.Int) (OperationHandle, error) {
	return s.prepare(ctx, &simOp{kind: OpUpdatePermission, operator: operator, amount: bigmath.Clone(bigmath.OrZero(flowRate))})
}

func (s *Simulator) Allocate(ctx context.Context, recipient string, flowRate *big.Int) (OperationHandle, error) {
	return s.prepare(ctx, &simOp{kind: OpAllocate, recipient: recipient, amount: bigmath.Clone(bigmath.OrZero(flowRate))})
}

func (s *Simulator) DeleteFlow(ctx context.Context, receiver string) (OperationHandle, error) {
	return s.prepare(ctx, &simOp{kind: OpDeleteFlow, recipient: receiver})
}

// Submit applies a prepared operation.
func (s *Simulator) Submit(ctx context.Context, h OperationHandle) error {
	op, ok := h.(*simOp)
	if !ok || op.owner != s {
		return Rejected("", fmt.Sprintf("foreign operation handle %v", h))
	}

	s.mu.Lock()
	block := s.blocking[op.kind]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return TimedOut(op.kind, ctx.Err())
	}
	if err := ctx.Err(); err != nil {
		return TimedOut(op.kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if queued := s.failures[op.kind]; len(queued) > 0 {
		s.failures[op.kind] = queued[1:]
		return AsChainError(op.kind, queued[0])
	}

	if err := s.apply(op); err != nil {
		return err
	}
	s.submitted = append(s.submitted, op.String())
	return nil
}

func (s *Simulator) apply(op *simOp) error {
	now := s.now()
	switch op.kind {
	case OpApprove:
		s.allowance = bigmath.Clone(op.amount)

	case OpWrap:
		if s.nativeAsset {
			if s.native.Cmp(op.amount) < 0 {
				return Reverted(op.kind, "insufficient native balance")
			}
			s.native.Sub(s.native, op.amount)
		} else {
			if s.allowance.Cmp(op.amount) < 0 {
				return Reverted(op.kind, "ERC20: insufficient allowance")
			}
			if s.underlying.Cmp(op.amount) < 0 {
				return Reverted(op.kind, "ERC20: transfer amount exceeds balance")
			}
			s.allowance.Sub(s.allowance, op.amount)
			s.underlying.Sub(s.underlying, op.amount)
		}
		s.settle(now, op.amount, nil)

	case OpUpdatePermission:
		s.permissions[op.operator] = bigmath.Clone(op.amount)

	case OpAllocate:
		return s.changeFlow(op, op.recipient, op.amount, now)

	case OpDeleteFlow:
		id, ok := s.superApps[op.recipient]
		if !ok {
			return Reverted(op.kind, "flow does not exist")
		}
		if bigmath.OrZero(s.flows[id]).Sign() == 0 {
			return Reverted(op.kind, "flow does not exist")
		}
		return s.changeFlow(op, id, new(big.Int), now)
	}
	return nil
}

func (s *Simulator) changeFlow(op *simOp, recipient string, rate *big.Int, now int64) error {
	member, ok := s.members[recipient]
	if !ok {
		return Reverted(op.kind, fmt.Sprintf("unknown recipient %s", recipient))
	}
	prev := bigmath.OrZero(s.flows[recipient])
	if op.kind == OpAllocate && rate.Cmp(prev) > 0 && s.strategy != "" {
		if bigmath.OrZero(s.permissions[s.strategy]).Cmp(rate) < 0 {
			return Reverted(op.kind, "flow operator allowance too low")
		}
	}
	if rate.Cmp(prev) > 0 && s.snapshot.Project(now).Sign() <= 0 {
		return Reverted(op.kind, "insufficient balance to open stream")
	}

	res, err := matching.Compute(matching.Input{
		Pool:   s.pool,
		Member: member,
		Change: matching.Change{PreviousFlowRate: prev, NewFlowRate: rate},
		Params: s.params,
	})
	switch {
	case bigmath.IsDivisionByZero(err):
		res = matching.Result{NewGranteeUnits: new(big.Int), NewPoolUnits: new(big.Int)}
	case err != nil:
		return Reverted(op.kind, err.Error())
	}

	delta := new(big.Int).Sub(prev, rate)
	s.settle(now, nil, delta)
	if rate.Sign() == 0 {
		delete(s.flows, recipient)
	} else {
		s.flows[recipient] = bigmath.Clone(rate)
	}

	s.members[recipient] = matching.Member{Units: res.NewGranteeUnits, FlowRate: member.FlowRate}
	s.pool.TotalUnits = res.NewPoolUnits
	s.redistribute()
	return nil
}

// settle rolls the snapshot forward to now, adding credit to the balance and
// rateDelta to the net flow rate. The previous snapshot is superseded, never mutated.
func (s *Simulator) settle(now int64, credit, rateDelta *big.Int) {
	bal := s.snapshot.Project(now)
	if credit != nil {
		bal.Add(bal, credit)
	}
	rate := bigmath.Clone(bigmath.OrZero(s.snapshot.NetFlowRate))
	if rateDelta != nil {
		rate.Add(rate, rateDelta)
	}
	s.snapshot = balance.Snapshot{
		Account:         s.account,
		Token:           s.token,
		BalanceAtUpdate: bal,
		NetFlowRate:     rate,
		UpdatedAt:       now,
	}
}

// redistribute splits the pool's matching flow across members pro rata by units.
func (s *Simulator) redistribute() {
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := s.members[id]
		rate := new(big.Int)
		if s.pool.TotalUnits.Sign() > 0 {
			rate, _ = bigmath.MulQuo(m.Units, s.pool.TotalFlowRate, s.pool.TotalUnits)
		}
		s.members[id] = matching.Member{Units: m.Units, FlowRate: rate}
	}
}

func copySnapshot(s balance.Snapshot) balance.Snapshot {
	return balance.Snapshot{
		Account:         s.Account,
		Token:           s.Token,
		BalanceAtUpdate: bigmath.Clone(s.BalanceAtUpdate),
		NetFlowRate:     bigmath.Clone(s.NetFlowRate),
		UpdatedAt:       s.UpdatedAt,
	}
}

var (
	_ Reader      = (*Simulator)(nil)
	_ Operator    = (*Simulator)(nil)
	_ Allocator   = (*Simulator)(nil)
	_ ScoreSource = (*Simulator)(nil)
)
