// Package postgres implements store.Sink against PostgreSQL via pgx/v5,
// the relational-store driver this domain's sibling indexers in the
// retrieval pool standardize on (see DESIGN.md).
package postgres

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/log"
	"github.com/koushiro/substrate-archive-go/metrics"
	"github.com/koushiro/substrate-archive-go/store"
)

// Config configures pool sizing and connection lifetimes, mirroring the
// teacher's node/config.go-style explicit timeout knobs.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnectTimeout  time.Duration
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

// Sink is a pgxpool-backed store.Sink.
type Sink struct {
	pool *pgxpool.Pool
	log  log.Logger
}

// Open connects to PostgreSQL and returns a ready Sink. Callers must
// call Bootstrap once before first use on a fresh database.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Sink{pool: pool, log: log.New("component", "sink")}, nil
}

func (s *Sink) Close() { s.pool.Close() }

func (s *Sink) Bootstrap(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, bootstrapDDL)
	if err != nil {
		return fmt.Errorf("postgres: bootstrap: %w", err)
	}
	return nil
}

func (s *Sink) InsertMetadata(ctx context.Context, rec store.MetadataRecord) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO metadata (spec_version, block_num, block_hash, meta)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (spec_version) DO UPDATE SET
			block_num = EXCLUDED.block_num,
			block_hash = EXCLUDED.block_hash,
			meta = EXCLUDED.meta
	`, rec.SpecVersion, rec.BlockNum, rec.BlockHash.Bytes(), rec.Meta)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert metadata: %w", err)
	}
	return tag.RowsAffected(), nil
}

const insertBlockSQL = `
	INSERT INTO block (block_num, spec_version, block_hash, parent_hash, state_root, extrinsics_root, digest, extrinsics, justifications, has_justification)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (block_num) DO UPDATE SET
		spec_version = EXCLUDED.spec_version,
		block_hash = EXCLUDED.block_hash,
		parent_hash = EXCLUDED.parent_hash,
		state_root = EXCLUDED.state_root,
		extrinsics_root = EXCLUDED.extrinsics_root,
		digest = EXCLUDED.digest,
		extrinsics = EXCLUDED.extrinsics,
		justifications = EXCLUDED.justifications,
		has_justification = EXCLUDED.has_justification
`

func (s *Sink) InsertBlock(ctx context.Context, rec store.BlockRecord) (int64, error) {
	if err := s.checkMetadataWithBackoff(ctx, rec.SpecVersion); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, insertBlockSQL, blockArgs(rec)...)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert block: %w", err)
	}
	metrics.BlocksIndexed.Inc()
	return tag.RowsAffected(), nil
}

// checkMetadataWithBackoff implements the spec §4.4 "sink race" fallback:
// if the metadata gate's insert has not yet committed, poll briefly
// before giving up, rather than failing the block outright.
func (s *Sink) checkMetadataWithBackoff(ctx context.Context, specVersion uint32) error {
	const attempts = 10
	const delay = 20 * time.Millisecond
	for i := 0; i < attempts; i++ {
		ok, err := s.MetadataExists(ctx, specVersion)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return store.ErrMetadataMissing
}

func blockArgs(rec store.BlockRecord) []any {
	return []any{
		rec.BlockNum, rec.SpecVersion, rec.BlockHash.Bytes(), rec.ParentHash.Bytes(),
		rec.StateRoot.Bytes(), rec.ExtrinsicsRoot.Bytes(), rec.Digest,
		rec.Extrinsics, rec.Justifications, rec.HasJustification,
	}
}

// blockParamCount is the number of bound parameters insertBlockSQL uses
// per row, used to size batch chunks.
const blockParamCount = 10

func (s *Sink) InsertBlocks(ctx context.Context, recs []store.BlockRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	versions := mapset.NewThreadUnsafeSet[uint32]()
	for _, rec := range recs {
		versions.Add(rec.SpecVersion)
	}
	for v := range versions.Iter() {
		if err := s.checkMetadataWithBackoff(ctx, v); err != nil {
			return 0, err
		}
	}

	var total int64
	for _, r := range chunkRanges(len(recs), chunkSize(blockParamCount)) {
		batch := &pgx.Batch{}
		for _, rec := range recs[r[0]:r[1]] {
			batch.Queue(insertBlockSQL, blockArgs(rec)...)
		}
		br := s.pool.SendBatch(ctx, batch)
		for range recs[r[0]:r[1]] {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return total, fmt.Errorf("postgres: insert blocks batch: %w", err)
			}
			total += tag.RowsAffected()
		}
		if err := br.Close(); err != nil {
			return total, fmt.Errorf("postgres: insert blocks batch close: %w", err)
		}
	}
	metrics.BlocksIndexed.Add(float64(len(recs)))
	return total, nil
}

const mainStorageParamCount = 5

func (s *Sink) InsertMainStorage(ctx context.Context, changes []store.MainStorageChange) (int64, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	var total int64
	for _, r := range chunkRanges(len(changes), chunkSize(mainStorageParamCount)) {
		batch := &pgx.Batch{}
		for _, c := range changes[r[0]:r[1]] {
			batch.Queue(`
				INSERT INTO main_storage (block_num, block_hash, prefix, key, data)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (block_num, key) DO UPDATE SET
					block_hash = EXCLUDED.block_hash,
					prefix = EXCLUDED.prefix,
					data = EXCLUDED.data
			`, c.BlockNum, c.BlockHash.Bytes(), c.Prefix, c.Key, c.Data)
		}
		br := s.pool.SendBatch(ctx, batch)
		for range changes[r[0]:r[1]] {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return total, fmt.Errorf("postgres: insert main storage batch: %w", err)
			}
			total += tag.RowsAffected()
		}
		if err := br.Close(); err != nil {
			return total, fmt.Errorf("postgres: insert main storage batch close: %w", err)
		}
	}
	metrics.StorageRows.Add(float64(len(changes)))
	return total, nil
}

const childStorageParamCount = 5

func (s *Sink) InsertChildStorage(ctx context.Context, changes []store.ChildStorageChange) (int64, error) {
	if len(changes) == 0 {
		return 0, nil
	}
	var total int64
	for _, r := range chunkRanges(len(changes), chunkSize(childStorageParamCount)) {
		batch := &pgx.Batch{}
		for _, c := range changes[r[0]:r[1]] {
			batch.Queue(`
				INSERT INTO child_storage (block_num, block_hash, prefix_key, key, data)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (block_num, prefix_key, key) DO UPDATE SET
					block_hash = EXCLUDED.block_hash,
					data = EXCLUDED.data
			`, c.BlockNum, c.BlockHash.Bytes(), c.PrefixKey, c.Key, c.Data)
		}
		br := s.pool.SendBatch(ctx, batch)
		for range changes[r[0]:r[1]] {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return total, fmt.Errorf("postgres: insert child storage batch: %w", err)
			}
			total += tag.RowsAffected()
		}
		if err := br.Close(); err != nil {
			return total, fmt.Errorf("postgres: insert child storage batch close: %w", err)
		}
	}
	metrics.StorageRows.Add(float64(len(changes)))
	return total, nil
}

func (s *Sink) InsertBest(ctx context.Context, b store.BestBlock) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO best_block (id, block_num, block_hash) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET block_num = EXCLUDED.block_num, block_hash = EXCLUDED.block_hash
	`, b.BlockNum, b.BlockHash.Bytes())
	if err != nil {
		return 0, fmt.Errorf("postgres: insert best: %w", err)
	}
	metrics.BestBlockNumber.Set(float64(b.BlockNum))
	return tag.RowsAffected(), nil
}

func (s *Sink) InsertFinalized(ctx context.Context, f store.FinalizedBlock) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO finalized_block (id, block_num, block_hash, timestamp_ms, catchup)
		VALUES (1, $1, $2, $3, COALESCE((SELECT catchup FROM finalized_block WHERE id = 1), false))
		ON CONFLICT (id) DO UPDATE SET
			block_num = EXCLUDED.block_num,
			block_hash = EXCLUDED.block_hash,
			timestamp_ms = EXCLUDED.timestamp_ms
	`, f.BlockNum, f.BlockHash.Bytes(), f.TimestampMs)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert finalized: %w", err)
	}
	metrics.FinalizedBlockNumber.Set(float64(f.BlockNum))
	return tag.RowsAffected(), nil
}

func (s *Sink) MaxBlockNum(ctx context.Context) (chain.BlockNumber, bool, error) {
	var n *int64
	err := s.pool.QueryRow(ctx, `SELECT max(block_num) FROM block`).Scan(&n)
	if err != nil {
		return 0, false, fmt.Errorf("postgres: max block num: %w", err)
	}
	if n == nil {
		return 0, false, nil
	}
	return chain.BlockNumber(*n), true, nil
}

func (s *Sink) Best(ctx context.Context) (chain.BlockNumber, chain.Hash, bool, error) {
	var n int64
	var h []byte
	err := s.pool.QueryRow(ctx, `SELECT block_num, block_hash FROM best_block WHERE id = 1`).Scan(&n, &h)
	if err == pgx.ErrNoRows {
		return 0, chain.Hash{}, false, nil
	}
	if err != nil {
		return 0, chain.Hash{}, false, fmt.Errorf("postgres: best: %w", err)
	}
	return chain.BlockNumber(n), chain.BytesToHash(h), true, nil
}

func (s *Sink) Finalized(ctx context.Context) (chain.BlockNumber, chain.Hash, bool, error) {
	var n int64
	var h []byte
	err := s.pool.QueryRow(ctx, `SELECT block_num, block_hash FROM finalized_block WHERE id = 1`).Scan(&n, &h)
	if err == pgx.ErrNoRows {
		return 0, chain.Hash{}, false, nil
	}
	if err != nil {
		return 0, chain.Hash{}, false, fmt.Errorf("postgres: finalized: %w", err)
	}
	return chain.BlockNumber(n), chain.BytesToHash(h), true, nil
}

func (s *Sink) MetadataExists(ctx context.Context, specVersion uint32) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM metadata WHERE spec_version = $1)`, specVersion).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: metadata exists: %w", err)
	}
	return exists, nil
}

func (s *Sink) AllMetadataVersions(ctx context.Context) (mapset.Set[uint32], error) {
	rows, err := s.pool.Query(ctx, `SELECT spec_version FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("postgres: all metadata versions: %w", err)
	}
	defer rows.Close()
	set := mapset.NewThreadUnsafeSet[uint32]()
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("postgres: scan metadata version: %w", err)
		}
		set.Add(uint32(v))
	}
	return set, rows.Err()
}

func (s *Sink) DeleteWhereBlockGt(ctx context.Context, n chain.BlockNumber) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete where block gt: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int64
	steps := []string{
		`DELETE FROM main_storage WHERE block_num > $1`,
		`DELETE FROM child_storage WHERE block_num > $1`,
		`DELETE FROM block WHERE block_num > $1`,
		`DELETE FROM metadata WHERE block_num > $1`,
	}
	for _, stmt := range steps {
		tag, err := tx.Exec(ctx, stmt, n)
		if err != nil {
			return total, fmt.Errorf("postgres: delete where block gt: %w", err)
		}
		total += tag.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return total, fmt.Errorf("postgres: delete where block gt: commit: %w", err)
	}
	s.log.Warn("deleted rows above rollback point", "block_num_gt", n, "rows", total)
	return total, nil
}

func (s *Sink) SetCatchupFinalized(ctx context.Context) error {
	// The placeholder block_num/hash only matter if no finalized row
	// exists yet; InsertFinalized's ON CONFLICT clause never touches
	// catchup, so a real finalized write afterwards can't un-set it.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO finalized_block (id, block_num, block_hash, catchup)
		VALUES (1, 0, $1, true)
		ON CONFLICT (id) DO UPDATE SET catchup = true
	`, chain.ZeroHash.Bytes())
	if err != nil {
		return fmt.Errorf("postgres: set catchup finalized: %w", err)
	}
	metrics.CatchupFinalized.Set(1)
	return nil
}

func (s *Sink) CatchupFinalized(ctx context.Context) (bool, error) {
	var catchup *bool
	err := s.pool.QueryRow(ctx, `SELECT catchup FROM finalized_block WHERE id = 1`).Scan(&catchup)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: catchup finalized: %w", err)
	}
	return catchup != nil && *catchup, nil
}
