package app

import (
	"cmp"
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/SaleFeed/internal/core"
	"github.com/dkeye/SaleFeed/internal/domain"
)

var ErrRegistryStopped = errors.New("registry stopped")

const defaultMailboxSize = 1024

type (
	connectMsg struct {
		ctx   context.Context
		room  domain.GameID
		rcpt  core.Recipient
		reply chan core.SessionID
	}
	// abandonMsg follows a connectMsg whose caller gave up waiting.
	abandonMsg struct {
		reply chan core.SessionID
	}
	disconnectMsg struct {
		sid core.SessionID
	}
	broadcastMsg struct {
		room domain.GameID
		sale domain.Sale
	}
	membersMsg struct {
		room  domain.GameID
		reply chan []core.SessionID
	}
	roomsMsg struct {
		reply chan []core.RoomInfo
	}
)

// Registry owns room membership. All state lives in the Run goroutine and is
// reached only through the mailbox, so operations apply one at a time in
// the order they were enqueued.
type Registry struct {
	mailbox chan any
	done    chan struct{}

	policy  Policy
	metrics *Metrics

	nextID core.SessionID
	rooms  map[domain.GameID]map[core.SessionID]core.Recipient
	index  map[core.SessionID]domain.GameID
}

var _ core.Hub = (*Registry)(nil)

type Option func(*Registry)

func WithPolicy(p Policy) Option { return func(r *Registry) { r.policy = p } }

func WithMetrics(m *Metrics) Option { return func(r *Registry) { r.metrics = m } }

func WithMailboxSize(n int) Option { return func(r *Registry) { r.mailbox = make(chan any, n) } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		mailbox: make(chan any, defaultMailboxSize),
		done:    make(chan struct{}),
		policy:  DropPolicy{},
		rooms:   make(map[domain.GameID]map[core.SessionID]core.Recipient),
		index:   make(map[core.SessionID]domain.GameID),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r
}

// Run processes the mailbox until ctx is done. It must be called once.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)
	log.Info().Str("module", "app.registry").Msg("registry started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.registry").Int("sessions", len(r.index)).Msg("registry stopped")
			return
		case m := <-r.mailbox:
			r.handle(m)
		}
	}
}

// Done is closed once Run has returned.
func (r *Registry) Done() <-chan struct{} { return r.done }

// Connect joins rcpt to room and returns its session id. The caller must
// not treat the session as registered unless err is nil.
func (r *Registry) Connect(ctx context.Context, room domain.GameID, rcpt core.Recipient) (core.SessionID, error) {
	reply := make(chan core.SessionID, 1)
	if err := r.send(ctx, connectMsg{ctx: ctx, room: room, rcpt: rcpt, reply: reply}); err != nil {
		return 0, err
	}
	return r.awaitConnect(ctx, reply)
}

// awaitConnect prefers an id that is already there over a context that
// ended at the same time. Otherwise the actor is told to undo the connect,
// since it may still reply after we stop listening.
func (r *Registry) awaitConnect(ctx context.Context, reply chan core.SessionID) (core.SessionID, error) {
	select {
	case sid := <-reply:
		return sid, nil
	case <-r.done:
		return 0, ErrRegistryStopped
	case <-ctx.Done():
	}
	select {
	case sid := <-reply:
		return sid, nil
	default:
	}
	_ = r.send(context.Background(), abandonMsg{reply: reply})
	return 0, errors.Wrap(ctx.Err(), "registry connect")
}

// Disconnect removes sid from whatever room holds it. Unknown ids are ignored.
func (r *Registry) Disconnect(sid core.SessionID) {
	_ = r.send(context.Background(), disconnectMsg{sid: sid})
}

// Broadcast hands sale to every current member of room. It returns once the
// request is queued.
func (r *Registry) Broadcast(room domain.GameID, sale domain.Sale) {
	_ = r.send(context.Background(), broadcastMsg{room: room, sale: sale})
}

// Members lists the session ids joined to room, in ascending order.
func (r *Registry) Members(ctx context.Context, room domain.GameID) ([]core.SessionID, error) {
	reply := make(chan []core.SessionID, 1)
	if err := r.send(ctx, membersMsg{room: room, reply: reply}); err != nil {
		return nil, err
	}
	return await(ctx, r.done, reply)
}

// Rooms lists every non-empty room, ordered by game id.
func (r *Registry) Rooms(ctx context.Context) ([]core.RoomInfo, error) {
	reply := make(chan []core.RoomInfo, 1)
	if err := r.send(ctx, roomsMsg{reply: reply}); err != nil {
		return nil, err
	}
	return await(ctx, r.done, reply)
}

func await[T any](ctx context.Context, done <-chan struct{}, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		return zero, ErrRegistryStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Registry) send(ctx context.Context, m any) error {
	select {
	case <-r.done:
		return ErrRegistryStopped
	default:
	}
	select {
	case r.mailbox <- m:
		return nil
	case <-r.done:
		return ErrRegistryStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) handle(m any) {
	switch m := m.(type) {
	case connectMsg:
		r.connect(m)
	case abandonMsg:
		select {
		case sid := <-m.reply:
			r.remove(sid)
		default:
		}
	case disconnectMsg:
		r.remove(m.sid)
	case broadcastMsg:
		r.broadcast(m.room, m.sale)
	case membersMsg:
		ids := lo.Keys(r.rooms[m.room])
		slices.Sort(ids)
		m.reply <- ids
	case roomsMsg:
		out := lo.MapToSlice(r.rooms, func(id domain.GameID, members map[core.SessionID]core.Recipient) core.RoomInfo {
			return core.RoomInfo{GameID: id, Members: len(members)}
		})
		slices.SortFunc(out, func(a, b core.RoomInfo) int { return cmp.Compare(a.GameID, b.GameID) })
		m.reply <- out
	default:
		log.Error().Str("module", "app.registry").Msgf("unknown message %T", m)
	}
}

func (r *Registry) connect(m connectMsg) {
	// The caller timed out before we got here; nobody would learn the id.
	if m.ctx.Err() != nil {
		return
	}
	sid := r.allocID()
	members, ok := r.rooms[m.room]
	if !ok {
		members = make(map[core.SessionID]core.Recipient)
		r.rooms[m.room] = members
		r.metrics.Rooms.Inc()
	}
	members[sid] = m.rcpt
	r.index[sid] = m.room
	r.metrics.Sessions.Inc()
	m.reply <- sid
	log.Info().Str("module", "app.registry").Uint64("sid", uint64(sid)).Int64("game", int64(m.room)).Msg("session joined")
}

// allocID skips zero and any id still live after the counter wraps.
func (r *Registry) allocID() core.SessionID {
	for {
		r.nextID++
		if r.nextID == 0 {
			continue
		}
		if _, live := r.index[r.nextID]; !live {
			return r.nextID
		}
	}
}

func (r *Registry) remove(sid core.SessionID) bool {
	room, ok := r.index[sid]
	if !ok {
		return false
	}
	delete(r.index, sid)
	members := r.rooms[room]
	delete(members, sid)
	if len(members) == 0 {
		delete(r.rooms, room)
		r.metrics.Rooms.Dec()
	}
	r.metrics.Sessions.Dec()
	log.Info().Str("module", "app.registry").Uint64("sid", uint64(sid)).Int64("game", int64(room)).Msg("session left")
	return true
}

func (r *Registry) broadcast(room domain.GameID, sale domain.Sale) {
	r.metrics.Broadcasts.Inc()
	sent := 0
	for sid, rcpt := range r.rooms[room] {
		err := rcpt.Deliver(sale)
		if err == nil {
			sent++
			r.metrics.Deliveries.WithLabelValues(DeliveryOK).Inc()
			continue
		}
		r.onDeliveryFailure(room, sid, rcpt, err)
	}
	log.Debug().Str("module", "app.registry").Int64("game", int64(room)).Int("sent_to", sent).Msg("broadcast result")
}

func (r *Registry) onDeliveryFailure(room domain.GameID, sid core.SessionID, rcpt core.Recipient, err error) {
	logger := log.With().Str("module", "app.registry").Uint64("sid", uint64(sid)).Int64("game", int64(room)).Logger()

	if errors.Is(err, core.ErrRecipientClosed) {
		// Mid-teardown; its own Disconnect is on the way, drop it now.
		r.metrics.Deliveries.WithLabelValues(DeliveryClosed).Inc()
		r.remove(sid)
		logger.Debug().Msg("recipient already closed")
		return
	}

	switch r.policy.OnBackPressure(room, sid) {
	case EvictMember:
		r.metrics.Deliveries.WithLabelValues(DeliveryEvicted).Inc()
		r.remove(sid)
		rcpt.Evict()
		logger.Warn().Err(err).Msg("evicted slow session")
	case DropEvent:
		r.metrics.Deliveries.WithLabelValues(DeliveryDropped).Inc()
		logger.Warn().Err(err).Msg("dropped sale for slow session")
	}
}
