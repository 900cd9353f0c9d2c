package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Postgres keeps every collection in one documents table with a jsonb payload.
// Transform takes a row lock, which is what makes poll votes and the tenant
// code registry safe under concurrent writers. Push updates are fanned out
// over Redis pub/sub so subscribers on other processes see them too; without
// Redis, Subscribe only sees this process's own writes.
type Postgres struct {
	pool      *pgxpool.Pool
	redis     *redis.Client
	local     *Memory // local subscriber registry for redis-less deployments
	subBuffer int
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection text NOT NULL,
	id         text NOT NULL,
	data       jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_data_idx ON documents USING gin (data);
`

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func NewPostgres(ctx context.Context, pool *pgxpool.Pool, redisClient *redis.Client, subscribeBuffer int) (*Postgres, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, err
	}
	if subscribeBuffer <= 0 {
		subscribeBuffer = defaultSubscribeBuffer
	}
	local := NewMemory()
	local.SubscribeBuffer = subscribeBuffer
	return &Postgres{pool: pool, redis: redisClient, local: local, subBuffer: subscribeBuffer}, nil
}

func (p *Postgres) Get(ctx context.Context, collection, id string, dest any) error {
	var raw []byte
	row := p.pool.QueryRow(ctx, `SELECT data FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (p *Postgres) Query(ctx context.Context, collection string, filters []Filter, dest any) error {
	query := `SELECT data FROM documents WHERE collection = $1`
	args := []any{collection}
	for _, f := range filters {
		encoded, err := json.Marshal(map[string]any{f.Field: f.Value})
		if err != nil {
			return err
		}
		args = append(args, string(encoded))
		query += fmt.Sprintf(` AND data @> $%d`, len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	matched := make([]json.RawMessage, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		matched = append(matched, raw)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	combined, err := json.Marshal(matched)
	if err != nil {
		return err
	}
	return json.Unmarshal(combined, dest)
}

func (p *Postgres) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, collection, id, raw)
	if err != nil {
		return err
	}
	p.publish(ctx, Event{Collection: collection, ID: id, Data: raw})
	return nil
}

func (p *Postgres) Create(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, id) DO NOTHING
	`, collection, id, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	p.publish(ctx, Event{Collection: collection, ID: id, Data: raw})
	return nil
}

func (p *Postgres) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	encoded, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	var raw []byte
	row := p.pool.QueryRow(ctx, `
		UPDATE documents SET data = data || $3::jsonb, updated_at = now()
		WHERE collection = $1 AND id = $2
		RETURNING data
	`, collection, id, encoded)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	p.publish(ctx, Event{Collection: collection, ID: id, Data: raw})
	return nil
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return err
	}
	p.publish(ctx, Event{Collection: collection, ID: id, Deleted: true})
	return nil
}

func (p *Postgres) Transform(ctx context.Context, collection, id string, fn TransformFunc) error {
	var next []byte
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var current []byte
		row := tx.QueryRow(ctx, `
			SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE
		`, collection, id)
		if err := row.Scan(&current); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		var err error
		next, err = fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO documents (collection, id, data, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
		`, collection, id, next)
		return err
	})
	if err != nil {
		return err
	}
	if next != nil {
		p.publish(ctx, Event{Collection: collection, ID: id, Data: next})
	}
	return nil
}

func (p *Postgres) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func docChannel(collection, id string) string { return "doc:" + collection + ":" + id }

func (p *Postgres) publish(ctx context.Context, event Event) {
	// Local subscribers first so the writing process sees its own writes even
	// without Redis.
	p.local.mu.Lock()
	p.local.notify(event)
	p.local.mu.Unlock()

	if p.redis == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := p.redis.Publish(ctx, docChannel(event.Collection, event.ID), payload).Err(); err != nil {
		log.Printf("store: publish %s/%s failed: %v", event.Collection, event.ID, err)
	}
}

func (p *Postgres) Subscribe(ctx context.Context, collection, id string) (<-chan Event, func(), error) {
	if p.redis == nil {
		events, cancel, err := p.local.Subscribe(ctx, collection, id)
		if err != nil {
			return nil, nil, err
		}
		p.seed(ctx, collection, id)
		return events, cancel, nil
	}

	pubsub := p.redis.Subscribe(ctx, docChannel(collection, id))
	out := make(chan Event, p.subBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			default:
			}
		}
	}()

	// Deliver the current value after the subscription is live so no update
	// can fall between the read and the first push.
	var raw []byte
	row := p.pool.QueryRow(ctx, `SELECT data FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err := row.Scan(&raw); err == nil {
		select {
		case out <- Event{Collection: collection, ID: id, Data: raw}:
		default:
		}
	}

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

// seed pushes the stored value into the local registry for redis-less mode.
func (p *Postgres) seed(ctx context.Context, collection, id string) {
	var raw []byte
	row := p.pool.QueryRow(ctx, `SELECT data FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err := row.Scan(&raw); err != nil {
		return
	}
	p.local.mu.Lock()
	p.local.notify(Event{Collection: collection, ID: id, Data: raw})
	p.local.mu.Unlock()
}
