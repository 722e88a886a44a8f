// Package notify turns Postgres NOTIFY messages on the work channel into
// per-survey wake-ups for idle claimers.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/metailurini/cati-queue/storage"
)

type listenAcquire interface {
	Acquire(ctx context.Context) (listenConn, error)
}

type listenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

type poolListenAcquire struct {
	pool *pgxpool.Pool
}

func (p poolListenAcquire) Acquire(ctx context.Context) (listenConn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &poolListenConn{conn: conn}, nil
}

type poolListenConn struct {
	conn *pgxpool.Conn
}

func (p *poolListenConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.conn.Exec(ctx, sql, args...)
}

func (p *poolListenConn) Release() {
	p.conn.Release()
}

func (p *poolListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return p.conn.Conn().WaitForNotification(ctx)
}

// Listener holds one dedicated connection in LISTEN mode and fans payloads
// out to subscribers of the named survey. Wake-ups are coalesced: a
// subscriber that has not drained its channel misses nothing but extra
// signals. Subscriber channels are never closed.
type Listener struct {
	conn   listenConn
	cancel context.CancelFunc
	logger zerolog.Logger
	done   chan struct{}

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

// Listen acquires a connection from pool and starts listening on
// storage.NotifyChannel until ctx is cancelled or Close is called.
func Listen(ctx context.Context, pool *pgxpool.Pool, logger *zerolog.Logger) (*Listener, error) {
	return listenWithAcquire(ctx, poolListenAcquire{pool: pool}, logger)
}

func listenWithAcquire(ctx context.Context, pool listenAcquire, logger *zerolog.Logger) (*Listener, error) {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	channel := pgx.Identifier{storage.NotifyChannel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	childCtx, cancel := context.WithCancel(ctx)
	l := &Listener{
		conn:   conn,
		cancel: cancel,
		logger: log,
		done:   make(chan struct{}),
		subs:   make(map[string]map[int]chan struct{}),
	}
	go l.loop(childCtx)
	return l, nil
}

func (l *Listener) loop(ctx context.Context) {
	defer close(l.done)
	defer l.conn.Release()

	for {
		notification, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn().Err(err).Str("event", "listen").Msg("notification wait failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if notification == nil {
			continue
		}
		l.Broadcast(notification.Payload)
	}
}

// Subscribe returns a channel signalled whenever surveyID gains claimable
// entries, and a function that removes the subscription.
func (l *Listener) Subscribe(surveyID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	if l.subs[surveyID] == nil {
		l.subs[surveyID] = make(map[int]chan struct{})
	}
	l.subs[surveyID][id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[surveyID], id)
			if len(l.subs[surveyID]) == 0 {
				delete(l.subs, surveyID)
			}
		})
	}
}

// Broadcast signals every subscriber of surveyID without blocking.
func (l *Listener) Broadcast(surveyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs[surveyID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops listening and waits for the connection to be released.
func (l *Listener) Close() {
	l.cancel()
	<-l.done
}
