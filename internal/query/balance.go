package query

import (
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

func amount(v int64) string {
	return fpmath.ToDecimal(v).String()
}

// GetBalances returns the projected free balances of owner, one per asset.
func (qs *QueryService) GetBalances(ctx context.Context, owner common.Address) (res []BalanceResponse, err error) {
	defer qs.observe("balances", &err)()

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	prefix := fmt.Sprintf("user:%s:free:", owner.Hex())
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1 || '%' AND balance != 0
		ORDER BY asset
	`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b   BalanceResponse
			raw int64
		)
		if err := rows.Scan(&b.Account, &b.Asset, &raw, &b.LastSequence); err != nil {
			return nil, err
		}
		b.Balance = amount(raw)
		b.AsOfSequence = asOf
		res = append(res, b)
	}
	return res, rows.Err()
}

// GetSystemBalance returns the projected balance of a system account, such as
// the insurance fund or the margin pool.
func (qs *QueryService) GetSystemBalance(ctx context.Context, sub ledger.AccountSubType, asset ledger.Asset) (res *BalanceResponse, err error) {
	defer qs.observe("system_balance", &err)()

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	path := ledger.NewSystemAccountKey(sub, asset).AccountPath()
	raw, lastSeq, err := qs.getProjectedBalance(ctx, path, string(asset))
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{
		Account:      path,
		Asset:        string(asset),
		Balance:      amount(raw),
		LastSequence: lastSeq,
		AsOfSequence: asOf,
	}, nil
}

// GetJournalHistory returns journals touching owner's accounts, newest first.
// beforeSequence pages backwards when set.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner common.Address,
	limit int,
	beforeSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("journals", &err)()

	prefix := fmt.Sprintf("user:%s:", owner.Hex())
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 || '%' OR credit_account LIKE $1 || '%')
	`
	args := []any{prefix}
	if beforeSequence != nil {
		query += " AND sequence < $2"
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e     JournalHistoryEntry
			raw   int64
			jtype int32
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &raw, &jtype, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = amount(raw)
		e.JournalType = ledger.JournalType(jtype).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}
