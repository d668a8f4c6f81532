package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER STORE
// ══════════════════════════════════════════════════════════════════════════════

// LedgerStore implements ledger.Store on PostgreSQL.
type LedgerStore struct {
	conn    *Connection
	retrier *retry.Retrier
}

var _ ledger.Store = (*LedgerStore)(nil)

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(conn *Connection) *LedgerStore {
	return &LedgerStore{conn: conn, retrier: commitRetrier()}
}

const blockColumns = `slot, parent_hash, hash, unix_timestamp, entries, writes_digest`

// Head returns the newest block.
func (s *LedgerStore) Head(ctx context.Context) (*ledger.Block, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+blockColumns+` FROM ledger_blocks ORDER BY slot DESC LIMIT 1`)
	return scanBlock(row)
}

// Block returns the block at slot.
func (s *LedgerStore) Block(ctx context.Context, slot uint64) (*ledger.Block, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+blockColumns+` FROM ledger_blocks WHERE slot = $1`, int64(slot))
	return scanBlock(row)
}

// Account returns the newest version of addr at or before maxSlot.
func (s *LedgerStore) Account(ctx context.Context, addr identity.PublicKey, maxSlot uint64) (*ledger.Account, error) {
	query := `
		SELECT address, owner, data, slot
		FROM ledger_account_versions
		WHERE address = $1 AND slot <= $2
		ORDER BY slot DESC
		LIMIT 1
	`
	acc, err := scanAccount(s.conn.QueryRow(ctx, query, addr[:], int64(maxSlot)))
	if IsNoRows(err) {
		return nil, shared.ErrAccountNotFound
	}
	return acc, err
}

// AccountWrites returns the versions written in slot.
func (s *LedgerStore) AccountWrites(ctx context.Context, slot uint64) ([]*ledger.Account, error) {
	query := `
		SELECT address, owner, data, slot
		FROM ledger_account_versions
		WHERE slot = $1
		ORDER BY address
	`
	rows, err := s.conn.Query(ctx, query, int64(slot))
	if err != nil {
		return nil, fmt.Errorf("failed to query account writes: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// TransactionStatus returns the recorded status of sig.
func (s *LedgerStore) TransactionStatus(ctx context.Context, sig identity.Signature) (*ledger.TxStatus, error) {
	query := `
		SELECT signature, fee_payer, slot, tx_index, err, logs, unix_timestamp, instructions
		FROM ledger_tx_statuses
		WHERE signature = $1
	`
	var (
		rawSig, rawPayer []byte
		slot             int64
		st               ledger.TxStatus
		errJSON, ixJSON  []byte
	)
	err := s.conn.QueryRow(ctx, query, sig[:]).Scan(&rawSig, &rawPayer, &slot, &st.Index, &errJSON, &st.Logs, &st.UnixTimestamp, &ixJSON)
	if IsNoRows(err) {
		return nil, shared.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction status: %w", err)
	}

	copy(st.Signature[:], rawSig)
	copy(st.FeePayer[:], rawPayer)
	st.Slot = uint64(slot)
	if len(errJSON) > 0 {
		st.Err = &ledger.TxError{}
		if err := json.Unmarshal(errJSON, st.Err); err != nil {
			return nil, fmt.Errorf("failed to decode transaction error: %w", err)
		}
	}
	if len(ixJSON) > 0 {
		if err := json.Unmarshal(ixJSON, &st.Instructions); err != nil {
			return nil, fmt.Errorf("failed to decode instructions: %w", err)
		}
	}
	return &st, nil
}

// CommitBlock stores the block, its writes and statuses in one serializable
// transaction. A commit that loses a serialization race is retried; the head
// check inside makes a retry after an unseen success fail as a conflict.
func (s *LedgerStore) CommitBlock(ctx context.Context, blk *ledger.Block, writes []*ledger.Account, statuses []*ledger.TxStatus) error {
	batch, err := commitBatch(blk, writes, statuses)
	if err != nil {
		return err
	}

	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.conn.WithTx(ctx, SerializableTxOptions(), func(tx pgx.Tx) error {
			var head int64
			if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(slot), -1) FROM ledger_blocks`).Scan(&head); err != nil {
				return fmt.Errorf("failed to read head: %w", err)
			}
			if int64(blk.Slot) != head+1 {
				return shared.NewDomainError("ledger", "CommitBlock", shared.ErrConflict,
					fmt.Sprintf("slot %d does not follow head %d", blk.Slot, head))
			}

			if err := tx.SendBatch(ctx, batch.build()).Close(); err != nil {
				if IsUniqueViolation(err) {
					return shared.WrapError("ledger", "CommitBlock", shared.ErrConflict, "slot already committed", err)
				}
				return fmt.Errorf("failed to commit slot %d: %w", blk.Slot, err)
			}
			return nil
		})
	})
}

// queuedStmt is one statement of a slot commit.
type queuedStmt struct {
	sql  string
	args []any
}

// slotBatch holds the statements of one slot commit. A pgx.Batch is
// consumed by SendBatch, so each attempt builds a fresh one.
type slotBatch []queuedStmt

func (b slotBatch) build() *pgx.Batch {
	batch := &pgx.Batch{}
	for _, q := range b {
		batch.Queue(q.sql, q.args...)
	}
	return batch
}

func commitBatch(blk *ledger.Block, writes []*ledger.Account, statuses []*ledger.TxStatus) (slotBatch, error) {
	entries, err := json.Marshal(blk.Entries)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entries: %w", err)
	}

	b := slotBatch{{
		sql:  `INSERT INTO ledger_blocks (` + blockColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`,
		args: []any{int64(blk.Slot), blk.ParentHash[:], blk.Hash[:], blk.UnixTimestamp, entries, blk.WritesDigest[:]},
	}}
	for _, w := range writes {
		b = append(b, queuedStmt{
			sql:  `INSERT INTO ledger_account_versions (address, slot, owner, data) VALUES ($1, $2, $3, $4)`,
			args: []any{w.Address[:], int64(blk.Slot), w.Owner[:], w.Data},
		})
	}
	for _, st := range statuses {
		var errJSON []byte
		if st.Err != nil {
			if errJSON, err = json.Marshal(st.Err); err != nil {
				return nil, fmt.Errorf("failed to marshal transaction error: %w", err)
			}
		}
		ixs := st.Instructions
		if ixs == nil {
			ixs = []ledger.Instruction{}
		}
		ixJSON, err := json.Marshal(ixs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal instructions: %w", err)
		}
		logs := st.Logs
		if logs == nil {
			logs = []string{}
		}
		b = append(b, queuedStmt{
			sql: `
				INSERT INTO ledger_tx_statuses (signature, fee_payer, slot, tx_index, err, logs, unix_timestamp, instructions)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			args: []any{st.Signature[:], st.FeePayer[:], int64(st.Slot), st.Index, errJSON, logs, st.UnixTimestamp, ixJSON},
		})
	}
	return b, nil
}

// commitRetrier retries only serialization failures; anything else,
// including a conflict with the head, is returned at once.
func commitRetrier() *retry.Retrier {
	return retry.DatabaseRetrier(retry.WithRetryIf(IsSerializationFailure))
}

func scanBlock(row pgx.Row) (*ledger.Block, error) {
	var (
		blk                  ledger.Block
		slot                 int64
		parent, hash, digest []byte
		entries              []byte
	)
	err := row.Scan(&slot, &parent, &hash, &blk.UnixTimestamp, &entries, &digest)
	if IsNoRows(err) {
		return nil, shared.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan block: %w", err)
	}

	blk.Slot = uint64(slot)
	copy(blk.ParentHash[:], parent)
	copy(blk.Hash[:], hash)
	copy(blk.WritesDigest[:], digest)
	if err := json.Unmarshal(entries, &blk.Entries); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}
	return &blk, nil
}

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var (
		acc         ledger.Account
		addr, owner []byte
		slot        int64
	)
	if err := row.Scan(&addr, &owner, &acc.Data, &slot); err != nil {
		return nil, err
	}
	copy(acc.Address[:], addr)
	copy(acc.Owner[:], owner)
	acc.Slot = uint64(slot)
	return &acc, nil
}
