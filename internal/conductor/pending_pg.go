// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conductor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"didcomm-agent/pkg/message"
)

const pendingSchema = `
CREATE TABLE IF NOT EXISTS agent_pending_messages (
  to_key     TEXT        NOT NULL,
  seq        BIGSERIAL,
  from_key   TEXT        NOT NULL DEFAULT '',
  message    JSONB       NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (to_key, seq)
)`

// pgPending PostgreSQL 实现 PendingStore，重启后待发消息不丢失
type pgPending struct {
	pool *pgxpool.Pool
}

// NewPgPending 连接并建表；返回值实现 io.Closer
func NewPgPending(ctx context.Context, dsn string) (PendingStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pending store: %w", err)
	}
	if _, err := pool.Exec(ctx, pendingSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pending store schema: %w", err)
	}
	return &pgPending{pool: pool}, nil
}

func (s *pgPending) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgPending) Push(ctx context.Context, p Pending) error {
	body, err := p.Message.Serialize()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_pending_messages (to_key, from_key, message) VALUES ($1, $2, $3)`,
		p.ToKey, p.FromKey, body,
	)
	return err
}

func (s *pgPending) PushFront(ctx context.Context, p Pending) error {
	body, err := p.Message.Serialize()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_pending_messages (to_key, seq, from_key, message)
SELECT $1, COALESCE(MIN(seq), 1) - 1, $2, $3 FROM agent_pending_messages WHERE to_key = $1`,
		p.ToKey, p.FromKey, body,
	)
	return err
}

// Pop 原子取出队首；并发 Pop 通过 SKIP LOCKED 互不阻塞
func (s *pgPending) Pop(ctx context.Context, toKey string) (Pending, bool, error) {
	var (
		fromKey string
		body    []byte
	)
	err := s.pool.QueryRow(ctx,
		`WITH head AS (
  SELECT to_key, seq FROM agent_pending_messages WHERE to_key = $1 ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED
)
DELETE FROM agent_pending_messages m USING head
WHERE m.to_key = head.to_key AND m.seq = head.seq
RETURNING m.from_key, m.message`,
		toKey,
	).Scan(&fromKey, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pending{}, false, nil
		}
		return Pending{}, false, err
	}
	msg, err := message.Deserialize(body)
	if err != nil {
		return Pending{}, false, fmt.Errorf("pending store: stored message: %w", err)
	}
	return Pending{Message: msg, ToKey: toKey, FromKey: fromKey}, true, nil
}

func (s *pgPending) Len(ctx context.Context, toKey string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_pending_messages WHERE to_key = $1`, toKey,
	).Scan(&n)
	return n, err
}
