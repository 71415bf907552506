package lx

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/perps/pkg/fixed"
)

// Storage namespaces
var (
	pairPrefix          = []byte("pair")
	tradingConfigPrefix = []byte("tcfg")
	feeConfigPrefix     = []byte("fcfg")
	fundingConfigPrefix = []byte("ffcfg")
	vaultPrefix         = []byte("vault")
	trackerPrefix       = []byte("trk")
	positionPrefix      = []byte("pos")
	positionIndexPrefix = []byte("posidx")
	orderPrefix         = []byte("ord")
	epochPrefix         = []byte("epoch")
	balancePrefix       = []byte("bal")
	insurancePrefix     = []byte("ins")
	levelPrefix         = []byte("lvl")
	metaPrefix          = []byte("meta")

	nextOrderIDKey = []byte("nextOrderId")
	pairIndexKey   = []byte("pairs")
)

// BalanceKind names a claimable fee balance
type BalanceKind byte

const (
	KeeperBalance BalanceKind = iota + 1
	TreasuryBalance
	ReferralBalance
	RebateBalance
)

func (k BalanceKind) String() string {
	switch k {
	case KeeperBalance:
		return "keeper"
	case TreasuryBalance:
		return "treasury"
	case ReferralBalance:
		return "referral"
	case RebateBalance:
		return "rebate"
	default:
		return "unknown"
	}
}

// TreasuryAccount and ReferralAccount own the protocol-level balances.
const (
	TreasuryAccount = "treasury"
	ReferralAccount = "referral"
)

// market groups everything stored per pair
type market struct {
	Pair    *Pair
	Trading *TradingConfig
	Fee     *TradingFeeConfig
	Funding *FundingFeeConfig
	Vault   *Vault
	Tracker *Tracker
}

type transferKind int

const (
	transferOp transferKind = iota
	mintOp
	burnOp
)

type transfer struct {
	kind   transferKind
	token  string
	from   string
	to     string
	amount *big.Int
}

// Tx is one atomic unit of engine work. Reads and writes go to a versiondb
// overlay of the base database; nothing reaches the base until commit.
type Tx struct {
	vdb       *versiondb.Database
	pairs     database.Database
	tcfg      database.Database
	fcfg      database.Database
	ffcfg     database.Database
	vaults    database.Database
	trackers  database.Database
	positions database.Database
	posIndex  database.Database
	orders    database.Database
	epochs    database.Database
	balances  database.Database
	insurance database.Database
	levels    database.Database
	meta      database.Database

	markets map[uint32]*market
	touched map[PositionKey]*Position
	custody string
	ledger  TokenLedger
	now     time.Time
	pulls   []transfer
	pushes  []transfer
	events  []*Event
}

func newTx(base database.Database, ledger TokenLedger, custody string, now time.Time) *Tx {
	vdb := versiondb.New(base)
	return &Tx{
		vdb:       vdb,
		pairs:     prefixdb.New(pairPrefix, vdb),
		tcfg:      prefixdb.New(tradingConfigPrefix, vdb),
		fcfg:      prefixdb.New(feeConfigPrefix, vdb),
		ffcfg:     prefixdb.New(fundingConfigPrefix, vdb),
		vaults:    prefixdb.New(vaultPrefix, vdb),
		trackers:  prefixdb.New(trackerPrefix, vdb),
		positions: prefixdb.New(positionPrefix, vdb),
		posIndex:  prefixdb.New(positionIndexPrefix, vdb),
		orders:    prefixdb.New(orderPrefix, vdb),
		epochs:    prefixdb.New(epochPrefix, vdb),
		balances:  prefixdb.New(balancePrefix, vdb),
		insurance: prefixdb.New(insurancePrefix, vdb),
		levels:    prefixdb.New(levelPrefix, vdb),
		meta:      prefixdb.New(metaPrefix, vdb),
		markets:   make(map[uint32]*market),
		touched:   make(map[PositionKey]*Position),
		custody:   custody,
		ledger:    ledger,
		now:       now,
	}
}

func uint32Key(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func uint64Key(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func sideByte(isLong bool) byte {
	if isLong {
		return 1
	}
	return 0
}

func positionStorageKey(pairIndex uint32, isLong bool, key PositionKey) []byte {
	k := make([]byte, 0, 5+len(key))
	k = append(k, uint32Key(pairIndex)...)
	k = append(k, sideByte(isLong))
	return append(k, key[:]...)
}

func sidePrefix(pairIndex uint32, isLong bool) []byte {
	return append(uint32Key(pairIndex), sideByte(isLong))
}

func balanceStorageKey(kind BalanceKind, token, account string) []byte {
	k := []byte{byte(kind)}
	k = append(k, token...)
	k = append(k, 0)
	return append(k, account...)
}

func getJSON(db database.Database, key []byte, v interface{}) (bool, error) {
	data, err := db.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %x: %w", key, err)
	}
	return true, nil
}

func putJSON(db database.Database, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return db.Put(key, data)
}

// market loads a pair and its state, caching it for the rest of the call.
func (tx *Tx) market(pairIndex uint32) (*market, error) {
	if m, ok := tx.markets[pairIndex]; ok {
		return m, nil
	}
	key := uint32Key(pairIndex)
	m := &market{
		Pair:    new(Pair),
		Trading: new(TradingConfig),
		Fee:     new(TradingFeeConfig),
		Funding: new(FundingFeeConfig),
		Vault:   newVault(),
		Tracker: newTracker(),
	}
	ok, err := getJSON(tx.pairs, key, m.Pair)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPairNotFound, pairIndex)
	}
	for _, r := range []struct {
		db database.Database
		v  interface{}
	}{
		{tx.tcfg, m.Trading},
		{tx.fcfg, m.Fee},
		{tx.ffcfg, m.Funding},
		{tx.vaults, m.Vault},
		{tx.trackers, m.Tracker},
	} {
		if _, err := getJSON(r.db, key, r.v); err != nil {
			return nil, err
		}
	}
	tx.markets[pairIndex] = m
	return m, nil
}

// createMarket stores a new pair with empty vault and trackers.
func (tx *Tx) createMarket(m *market) error {
	key := uint32Key(m.Pair.PairIndex)
	has, err := tx.pairs.Has(key)
	if err != nil {
		return err
	}
	if has {
		return fmt.Errorf("%w: %d", ErrPairExists, m.Pair.PairIndex)
	}
	indexes, err := tx.pairIndexes()
	if err != nil {
		return err
	}
	indexes = append(indexes, m.Pair.PairIndex)
	if err := putJSON(tx.meta, pairIndexKey, indexes); err != nil {
		return err
	}
	tx.markets[m.Pair.PairIndex] = m
	return nil
}

func (tx *Tx) pairIndexes() ([]uint32, error) {
	var indexes []uint32
	if _, err := getJSON(tx.meta, pairIndexKey, &indexes); err != nil {
		return nil, err
	}
	return indexes, nil
}

func (tx *Tx) flushMarkets() error {
	for idx, m := range tx.markets {
		key := uint32Key(idx)
		for _, r := range []struct {
			db database.Database
			v  interface{}
		}{
			{tx.pairs, m.Pair},
			{tx.tcfg, m.Trading},
			{tx.fcfg, m.Fee},
			{tx.ffcfg, m.Funding},
			{tx.vaults, m.Vault},
			{tx.trackers, m.Tracker},
		} {
			if err := putJSON(r.db, key, r.v); err != nil {
				return err
			}
		}
	}
	return nil
}

// position returns the stored position or a fresh zero position.
func (tx *Tx) position(account string, pairIndex uint32, isLong bool) (*Position, error) {
	key := NewPositionKey(account, pairIndex, isLong)
	if p, ok := tx.touched[key]; ok {
		return p, nil
	}
	p := &Position{
		Key:               key,
		Account:           account,
		PairIndex:         pairIndex,
		IsLong:            isLong,
		PositionAmount:    fixed.Zero(),
		AveragePrice:      fixed.Zero(),
		Collateral:        fixed.Zero(),
		FundingFeeTracker: fixed.Zero(),
	}
	if _, err := getJSON(tx.positions, positionStorageKey(pairIndex, isLong, key), p); err != nil {
		return nil, err
	}
	tx.touched[key] = p
	return p, nil
}

// positionByKey resolves a position key through the index.
func (tx *Tx) positionByKey(key PositionKey) (*Position, error) {
	if p, ok := tx.touched[key]; ok {
		return p, nil
	}
	loc, err := tx.posIndex.Get(key[:])
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	if len(loc) != 5 {
		return nil, fmt.Errorf("%w: bad position index entry", ErrInvariantViolation)
	}
	skey := make([]byte, 0, len(loc)+len(key))
	skey = append(append(skey, loc...), key[:]...)
	p := new(Position)
	ok, err := getJSON(tx.positions, skey, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	tx.touched[key] = p
	return p, nil
}

// positions lists open positions on one side of a pair in key order.
func (tx *Tx) positionsBySide(pairIndex uint32, isLong bool) ([]*Position, error) {
	iter := tx.positions.NewIteratorWithPrefix(sidePrefix(pairIndex, isLong))
	defer iter.Release()

	var out []*Position
	seen := make(map[PositionKey]bool)
	for iter.Next() {
		p := new(Position)
		if err := json.Unmarshal(iter.Value(), p); err != nil {
			return nil, err
		}
		if cached, ok := tx.touched[p.Key]; ok {
			p = cached
		}
		seen[p.Key] = true
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	// positions opened earlier in this call are not flushed yet
	for key, p := range tx.touched {
		if !seen[key] && p.PairIndex == pairIndex && p.IsLong == isLong && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tx *Tx) flushPositions() error {
	for key, p := range tx.touched {
		skey := positionStorageKey(p.PairIndex, p.IsLong, key)
		if !p.IsOpen() && p.Collateral.Sign() == 0 {
			if err := tx.positions.Delete(skey); err != nil {
				return err
			}
			if err := tx.posIndex.Delete(key[:]); err != nil {
				return err
			}
			continue
		}
		if err := putJSON(tx.positions, skey, p); err != nil {
			return err
		}
		if err := tx.posIndex.Put(key[:], sidePrefix(p.PairIndex, p.IsLong)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) order(orderID uint64) (*Order, error) {
	o := new(Order)
	ok, err := getJSON(tx.orders, uint64Key(orderID), o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	return o, nil
}

func (tx *Tx) putOrder(o *Order) error {
	return putJSON(tx.orders, uint64Key(o.OrderID), o)
}

func (tx *Tx) deleteOrder(orderID uint64) error {
	return tx.orders.Delete(uint64Key(orderID))
}

func (tx *Tx) nextOrderID() (uint64, error) {
	var next uint64 = 1
	if _, err := getJSON(tx.meta, nextOrderIDKey, &next); err != nil {
		return 0, err
	}
	if next == 0 {
		next = 1
	}
	if err := putJSON(tx.meta, nextOrderIDKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

func (tx *Tx) allOrders() ([]*Order, error) {
	iter := tx.orders.NewIterator()
	defer iter.Release()

	var out []*Order
	for iter.Next() {
		o := new(Order)
		if err := json.Unmarshal(iter.Value(), o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, iter.Error()
}

func (tx *Tx) appendEpoch(ep *FundingEpoch) error {
	key := append(uint32Key(ep.PairIndex), uint64Key(ep.Epoch)...)
	return putJSON(tx.epochs, key, ep)
}

// fundingHistory returns up to limit most recent epochs, oldest first.
func (tx *Tx) fundingHistory(pairIndex uint32, limit int) ([]*FundingEpoch, error) {
	iter := tx.epochs.NewIteratorWithPrefix(uint32Key(pairIndex))
	defer iter.Release()

	var out []*FundingEpoch
	for iter.Next() {
		ep := new(FundingEpoch)
		if err := json.Unmarshal(iter.Value(), ep); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (tx *Tx) balance(kind BalanceKind, token, account string) (*big.Int, error) {
	v := new(big.Int)
	if _, err := getJSON(tx.balances, balanceStorageKey(kind, token, account), v); err != nil {
		return nil, err
	}
	return v, nil
}

func (tx *Tx) addBalance(kind BalanceKind, token, account string, delta *big.Int) error {
	if delta.Sign() == 0 {
		return nil
	}
	bal, err := tx.balance(kind, token, account)
	if err != nil {
		return err
	}
	bal.Add(bal, delta)
	if bal.Sign() < 0 {
		return fmt.Errorf("%w: %s balance of %s below zero", ErrInvariantViolation, kind, account)
	}
	return putJSON(tx.balances, balanceStorageKey(kind, token, account), bal)
}

func (tx *Tx) levelDiscount(level uint8) (*LevelDiscount, error) {
	d := &LevelDiscount{MakerDiscountP: fixed.Zero(), TakerDiscountP: fixed.Zero()}
	if _, err := getJSON(tx.levels, []byte{level}, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (tx *Tx) putLevelDiscount(level uint8, d *LevelDiscount) error {
	return putJSON(tx.levels, []byte{level}, d)
}

func (tx *Tx) insuranceFund(token string) (*InsuranceFund, error) {
	f := newInsuranceFund(token)
	if _, err := getJSON(tx.insurance, []byte(token), f); err != nil {
		return nil, err
	}
	return f, nil
}

func (tx *Tx) putInsuranceFund(f *InsuranceFund) error {
	return putJSON(tx.insurance, []byte(f.Token), f)
}

// pull moves tokens from an account into custody immediately; abort refunds it.
func (tx *Tx) pull(token, from string, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	if err := tx.ledger.Transfer(token, from, tx.custody, amount); err != nil {
		return err
	}
	tx.pulls = append(tx.pulls, transfer{kind: transferOp, token: token, from: from, to: tx.custody, amount: fixed.New(amount)})
	return nil
}

// burn destroys tokens held by an account; abort re-mints them.
func (tx *Tx) burn(token, from string, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	if err := tx.ledger.Burn(token, from, amount); err != nil {
		return err
	}
	tx.pulls = append(tx.pulls, transfer{kind: burnOp, token: token, from: from, amount: fixed.New(amount)})
	return nil
}

// push queues a custody payout, executed only after commit.
func (tx *Tx) push(token, to string, amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	tx.pushes = append(tx.pushes, transfer{kind: transferOp, token: token, from: tx.custody, to: to, amount: fixed.New(amount)})
}

// mint queues a mint, executed only after commit.
func (tx *Tx) mint(token, to string, amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	tx.pushes = append(tx.pushes, transfer{kind: mintOp, token: token, to: to, amount: fixed.New(amount)})
}

func (tx *Tx) emit(eventType string, pairIndex uint32, data interface{}) {
	tx.events = append(tx.events, &Event{Type: eventType, PairIndex: pairIndex, Time: tx.now, Data: data})
}

// checkInvariants validates every market and position touched in this call.
func (tx *Tx) checkInvariants() error {
	for idx, m := range tx.markets {
		v := m.Vault
		for name, x := range map[string]*big.Int{
			"indexTotal":     v.IndexTotalAmount,
			"indexReserved":  v.IndexReservedAmount,
			"stableTotal":    v.StableTotalAmount,
			"stableReserved": v.StableReservedAmount,
			"longTracker":    m.Tracker.LongTracker,
			"shortTracker":   m.Tracker.ShortTracker,
		} {
			if x.Sign() < 0 {
				return fmt.Errorf("%w: pair %d %s is negative", ErrInvariantViolation, idx, name)
			}
		}
		if v.IndexReservedAmount.Cmp(v.IndexTotalAmount) > 0 {
			return fmt.Errorf("%w: pair %d index reserved %s > total %s", ErrInvariantViolation, idx, v.IndexReservedAmount, v.IndexTotalAmount)
		}
		if v.StableReservedAmount.Cmp(v.StableTotalAmount) > 0 {
			return fmt.Errorf("%w: pair %d stable reserved %s > total %s", ErrInvariantViolation, idx, v.StableReservedAmount, v.StableTotalAmount)
		}
	}
	for key, p := range tx.touched {
		if p.Collateral.Sign() < 0 {
			return fmt.Errorf("%w: position %s collateral is negative", ErrInvariantViolation, key)
		}
		if p.PositionAmount.Sign() < 0 {
			return fmt.Errorf("%w: position %s size is negative", ErrInvariantViolation, key)
		}
	}
	return nil
}

// finish flushes cached records, validates invariants and commits.
func (tx *Tx) finish() error {
	if err := tx.flushMarkets(); err != nil {
		return err
	}
	if err := tx.flushPositions(); err != nil {
		return err
	}
	if err := tx.checkInvariants(); err != nil {
		return err
	}
	return tx.vdb.Commit()
}

// abort drops the overlay and returns pulled tokens.
func (tx *Tx) abort() []error {
	tx.vdb.Abort()
	var errs []error
	for i := len(tx.pulls) - 1; i >= 0; i-- {
		p := tx.pulls[i]
		var err error
		switch p.kind {
		case burnOp:
			err = tx.ledger.Mint(p.token, p.from, p.amount)
		default:
			err = tx.ledger.Transfer(p.token, p.to, p.from, p.amount)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	tx.pulls = nil
	return errs
}

// settle executes queued payouts after commit.
func (tx *Tx) settle() []error {
	var errs []error
	for _, p := range tx.pushes {
		var err error
		switch p.kind {
		case mintOp:
			err = tx.ledger.Mint(p.token, p.to, p.amount)
		default:
			err = tx.ledger.Transfer(p.token, p.from, p.to, p.amount)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("payout %s %s to %s: %w", p.amount, p.token, p.to, err))
		}
	}
	return errs
}
