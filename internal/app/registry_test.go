package app

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/dkeye/SaleFeed/internal/core"
	"github.com/dkeye/SaleFeed/internal/domain"
)

type fakeRecipient struct {
	sales   chan domain.Sale
	err     error
	evicted atomic.Bool
}

func newFakeRecipient() *fakeRecipient {
	return &fakeRecipient{sales: make(chan domain.Sale, 16)}
}

func (f *fakeRecipient) Deliver(s domain.Sale) error {
	if f.err != nil {
		return f.err
	}
	f.sales <- s
	return nil
}

func (f *fakeRecipient) Evict() { f.evicted.Store(true) }

type RegistrySuite struct {
	suite.Suite

	ctx     context.Context
	cancel  context.CancelFunc
	metrics *Metrics
	reg     *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.start()
}

func (s *RegistrySuite) start(opts ...Option) {
	if s.cancel != nil {
		s.cancel()
		<-s.reg.Done()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.reg = NewRegistry(append([]Option{WithMetrics(s.metrics)}, opts...)...)
	go s.reg.Run(s.ctx)
}

func (s *RegistrySuite) TearDownTest() {
	s.cancel()
	<-s.reg.Done()
	s.cancel = nil
}

func (s *RegistrySuite) connect(room domain.GameID, rcpt core.Recipient) core.SessionID {
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	sid, err := s.reg.Connect(ctx, room, rcpt)
	s.Require().NoError(err)
	s.Require().NotZero(sid)
	return sid
}

func (s *RegistrySuite) members(room domain.GameID) []core.SessionID {
	ids, err := s.reg.Members(s.ctx, room)
	s.Require().NoError(err)
	return ids
}

func (s *RegistrySuite) TestConnectAssignsDistinctIDs() {
	a := s.connect(1, newFakeRecipient())
	b := s.connect(1, newFakeRecipient())
	c := s.connect(2, newFakeRecipient())

	s.NotEqual(a, b)
	s.NotEqual(b, c)
	s.Equal([]core.SessionID{a, b}, s.members(1))
	s.Equal([]core.SessionID{c}, s.members(2))
	s.Equal(3.0, testutil.ToFloat64(s.metrics.Sessions))
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Rooms))
}

func (s *RegistrySuite) TestDisconnectIsIdempotent() {
	a := s.connect(1, newFakeRecipient())
	b := s.connect(1, newFakeRecipient())

	s.reg.Disconnect(a)
	s.Equal([]core.SessionID{b}, s.members(1))

	s.reg.Disconnect(a)
	s.reg.Disconnect(core.SessionID(9999))
	s.Equal([]core.SessionID{b}, s.members(1))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Sessions))
}

func (s *RegistrySuite) TestBroadcastReachesOnlyThatRoom() {
	first, second, other := newFakeRecipient(), newFakeRecipient(), newFakeRecipient()
	s.connect(42, first)
	s.connect(42, second)
	s.connect(7, other)

	sale := domain.NewSale(42, "sale-A", time.Unix(0, 0))
	s.reg.Broadcast(42, sale)
	s.members(42) // barrier: the broadcast was handled before this reply

	s.Require().Len(first.sales, 1)
	s.Require().Len(second.sales, 1)
	s.Empty(other.sales)
	s.Equal(sale, <-first.sales)
	s.Equal(sale, <-second.sales)
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Deliveries.WithLabelValues(DeliveryOK)))
}

func (s *RegistrySuite) TestLeftRoomIsEmptyAndBroadcastIsHarmless() {
	rcpt := newFakeRecipient()
	sid := s.connect(1, rcpt)
	s.reg.Disconnect(sid)

	s.Empty(s.members(1))
	s.reg.Broadcast(1, domain.NewSale(1, "late", time.Now()))

	rooms, err := s.reg.Rooms(s.ctx)
	s.Require().NoError(err)
	s.Empty(rooms)
	s.Empty(rcpt.sales)
	s.Equal(0.0, testutil.ToFloat64(s.metrics.Rooms))
}

func (s *RegistrySuite) TestSessionIsInExactlyOneRoom() {
	sid := s.connect(3, newFakeRecipient())
	s.connect(4, newFakeRecipient())

	rooms, err := s.reg.Rooms(s.ctx)
	s.Require().NoError(err)
	s.Equal([]core.RoomInfo{{GameID: 3, Members: 1}, {GameID: 4, Members: 1}}, rooms)
	s.Contains(s.members(3), sid)
	s.NotContains(s.members(4), sid)
}

func (s *RegistrySuite) TestSlowMemberDoesNotBlockOthers() {
	slow, fast := newFakeRecipient(), newFakeRecipient()
	slow.err = core.ErrBackpressure
	slowID := s.connect(5, slow)
	s.connect(5, fast)

	s.reg.Broadcast(5, domain.NewSale(5, "x", time.Now()))

	s.Contains(s.members(5), slowID)
	s.Len(fast.sales, 1)
	s.False(slow.evicted.Load())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Deliveries.WithLabelValues(DeliveryDropped)))
}

func (s *RegistrySuite) TestEvictPolicyRemovesSlowMember() {
	s.start(WithPolicy(EvictPolicy{}))

	slow, fast := newFakeRecipient(), newFakeRecipient()
	slow.err = core.ErrBackpressure
	slowID := s.connect(5, slow)
	fastID := s.connect(5, fast)

	s.reg.Broadcast(5, domain.NewSale(5, "x", time.Now()))

	s.Equal([]core.SessionID{fastID}, s.members(5))
	s.True(slow.evicted.Load())
	s.reg.Disconnect(slowID)
	s.Equal([]core.SessionID{fastID}, s.members(5))
}

func (s *RegistrySuite) TestClosedRecipientIsPruned() {
	gone := newFakeRecipient()
	gone.err = errors.Wrap(core.ErrRecipientClosed, "session 1")
	s.connect(8, gone)

	s.reg.Broadcast(8, domain.NewSale(8, "x", time.Now()))

	s.Empty(s.members(8))
	s.False(gone.evicted.Load())
}

func (s *RegistrySuite) TestStoppedRegistryRefusesConnect() {
	s.cancel()
	<-s.reg.Done()

	_, err := s.reg.Connect(context.Background(), 1, newFakeRecipient())
	s.ErrorIs(err, ErrRegistryStopped)

	// fire-and-forget calls return instead of blocking
	s.reg.Disconnect(1)
	s.reg.Broadcast(1, domain.NewSale(1, "x", time.Now()))

	_, err = s.reg.Rooms(context.Background())
	s.ErrorIs(err, ErrRegistryStopped)
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) TestAbandonedConnectLeavesNoMember() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	other := s.connect(6, newFakeRecipient())

	// What the actor sees when the caller gives up right after it replied.
	reply := make(chan core.SessionID, 1)
	s.Require().NoError(s.reg.send(ctx, connectMsg{ctx: ctx, room: 6, rcpt: newFakeRecipient(), reply: reply}))
	s.Require().NoError(s.reg.send(ctx, abandonMsg{reply: reply}))

	s.Equal([]core.SessionID{other}, s.members(6))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Sessions))
}

func TestConnectTimesOutWhenNotRunning(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	sid, err := reg.Connect(ctx, 1, newFakeRecipient())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, sid)
}

func TestAwaitConnectPrefersReadyReply(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 100 {
		reply := make(chan core.SessionID, 1)
		reply <- 5
		sid, err := reg.awaitConnect(ctx, reply)
		require.NoError(t, err)
		require.Equal(t, core.SessionID(5), sid)
	}
	assert.Empty(t, reg.mailbox, "nothing to undo when the id was taken")
}

func TestTimedOutConnectIsUndone(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := reg.Connect(ctx, 1, newFakeRecipient())
	require.Error(t, err)
	require.Len(t, reg.mailbox, 2)
	_, isConnect := (<-reg.mailbox).(connectMsg)
	_, isAbandon := (<-reg.mailbox).(abandonMsg)
	assert.True(t, isConnect)
	assert.True(t, isAbandon)
}

func TestAllocIDSkipsZeroAndLiveIDs(t *testing.T) {
	reg := NewRegistry()
	reg.index[1] = 10
	reg.nextID = math.MaxUint64 - 1

	assert.Equal(t, core.SessionID(math.MaxUint64), reg.allocID())

	reg.index[math.MaxUint64] = 10
	assert.Equal(t, core.SessionID(2), reg.allocID(), "wraparound skips 0 and the live 1")
}

func TestPolicyByName(t *testing.T) {
	for name, want := range map[string]Policy{"": DropPolicy{}, "drop": DropPolicy{}, "evict": EvictPolicy{}} {
		got, err := PolicyByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := PolicyByName("kick")
	assert.Error(t, err)
}
