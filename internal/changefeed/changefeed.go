// Package changefeed delivers row-level changes of the persisted room tables
// through postgres LISTEN/NOTIFY. It never writes room or membership data.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-presence/internal/engine"
)

// Channel is the NOTIFY channel the room table triggers publish on.
const Channel = "room_changes"

var ErrNoRoom = errors.New("changefeed: empty room id")

type Feed struct {
	pool *pgxpool.Pool
	log  *zap.Logger
	buf  int
}

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}

func New(pool *pgxpool.Pool, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{pool: pool, log: log.With(zap.String("component", "changefeed")), buf: 32}
}

// Subscribe listens for changes of one room. The returned channel is closed
// when ctx ends or the listening connection fails; the caller decides
// whether to subscribe again.
func (f *Feed) Subscribe(ctx context.Context, roomID string) (<-chan engine.Notification, error) {
	if roomID == "" {
		return nil, ErrNoRoom
	}
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", Channel, err)
	}

	out := make(chan engine.Notification, f.buf)
	go func() {
		defer close(out)
		defer func() {
			uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := conn.Exec(uctx, "UNLISTEN *"); err != nil {
				// a connection still listening must not go back to the pool
				conn.Hijack().Close(uctx)
				return
			}
			conn.Release()
		}()
		for {
			msg, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					f.log.Warn("notification wait failed", zap.String("room_id", roomID), zap.Error(err))
				}
				return
			}
			n, err := Decode([]byte(msg.Payload))
			if err != nil {
				f.log.Debug("dropping payload", zap.Error(err))
				continue
			}
			if n.RoomID != roomID {
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Roster reads the current membership of a room in join order.
func (f *Feed) Roster(ctx context.Context, roomID string) ([]engine.Player, error) {
	if roomID == "" {
		return nil, ErrNoRoom
	}
	rows, err := f.pool.Query(ctx, `
        SELECT player_id, name, is_host, is_connected, COALESCE(location, ''), joined_at
        FROM room_members
        WHERE room_id = $1
        ORDER BY joined_at ASC, player_id ASC
    `, roomID)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var out []engine.MemberRow
	for rows.Next() {
		var r engine.MemberRow
		var loc string
		if err := rows.Scan(&r.PlayerID, &r.Name, &r.IsHost, &r.IsConnected, &loc, &r.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan roster: %w", err)
		}
		r.Location = engine.Location(loc)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return engine.RosterFromRows(out), nil
}
