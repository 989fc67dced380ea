package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries run against a live database while the
// escrow actors churn. Each query returns zero rows when the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_unique_active_escrow_per_offer",
			SQL: `SELECT offer_id, COUNT(*) FROM escrow_transactions
                  WHERE status IN ('created','in_progress','disputed')
                  GROUP BY offer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_released_never_exceeds_authorized",
			SQL: `SELECT a.id, a.amount AS authorized, COALESCE(SUM(c.amount),0) AS captured
                  FROM payment_ledger a
                  LEFT JOIN payment_ledger c ON c.parent_id = a.id AND c.kind = 'capture'
                  WHERE a.kind = 'authorization'
                  GROUP BY a.id, a.amount
                  HAVING COALESCE(SUM(c.amount),0) > a.amount`,
		},
		{
			Name: "O3_milestone_index_matches_completions",
			SQL: `SELECT t.id, t.current_milestone_index, COUNT(m.*) FILTER (WHERE m.status = 'completed') AS done
                  FROM escrow_transactions t
                  JOIN milestones m ON m.escrow_id = t.id
                  WHERE t.status IN ('created','in_progress')
                  GROUP BY t.id, t.current_milestone_index
                  HAVING COUNT(m.*) FILTER (WHERE m.status = 'completed') <> t.current_milestone_index - 1`,
		},
		{
			Name: "O4_completed_escrow_all_milestones_done",
			SQL: `SELECT t.id FROM escrow_transactions t
                  JOIN milestones m ON m.escrow_id = t.id
                  WHERE t.status = 'completed' AND m.status <> 'completed'`,
		},
		{
			Name: "O5_no_completion_gaps",
			SQL: `SELECT m.escrow_id, m.sequence_number FROM milestones m
                  WHERE m.status = 'completed'
                    AND EXISTS (
                        SELECT 1 FROM milestones earlier
                        WHERE earlier.escrow_id = m.escrow_id
                          AND earlier.sequence_number < m.sequence_number
                          AND earlier.status = 'pending')`,
		},
		{
			Name: "O6_fee_conserved_on_completion",
			SQL: `SELECT t.id, t.total_amount, t.platform_fee_amount, COALESCE(SUM(c.amount),0) AS released
                  FROM escrow_transactions t
                  JOIN payment_ledger c ON c.parent_id = t.payment_authorization_id AND c.kind = 'capture'
                  WHERE t.status = 'completed'
                  GROUP BY t.id, t.total_amount, t.platform_fee_amount
                  HAVING COALESCE(SUM(c.amount),0) <> t.total_amount - t.platform_fee_amount`,
		},
		{
			Name: "O7_index_never_exceeds_count",
			SQL: `SELECT id FROM escrow_transactions
                  WHERE current_milestone_index < 1 OR current_milestone_index > total_milestone_count`,
		},
		{
			Name: "O8_open_dispute_implies_disputed_escrow",
			SQL: `SELECT d.id FROM escrow_disputes d
                  JOIN escrow_transactions t ON t.id = d.escrow_id
                  WHERE d.status = 'open' AND t.status <> 'disputed'`,
		},
		{
			// Captures settle before the engine commits, so at any instant the
			// sum may run ahead of the recorded completions by at most the net
			// release of the milestone at the current index. A milestone counts
			// as paid once completed_at is set, regardless of a later dispute
			// flipping its status. Shares are recomputed here the way the
			// engine splits the fee, with the remainder on the final milestone.
			Name: "O9_captured_bounded_by_releases",
			SQL: `WITH raw AS (
                      SELECT m.escrow_id, m.sequence_number, m.amount,
                             m.completed_at, t.payment_authorization_id,
                             t.current_milestone_index, t.total_milestone_count,
                             t.platform_fee_amount,
                             div(2::numeric * t.platform_fee_amount * m.amount + t.total_amount,
                                 2::numeric * t.total_amount)::bigint AS rounded_share
                      FROM milestones m
                      JOIN escrow_transactions t ON t.id = m.escrow_id
                  ),
                  shares AS (
                      SELECT escrow_id, sequence_number, completed_at,
                             payment_authorization_id, current_milestone_index,
                             amount - CASE WHEN sequence_number = total_milestone_count
                                           THEN platform_fee_amount
                                                - COALESCE(SUM(rounded_share) OVER (
                                                      PARTITION BY escrow_id ORDER BY sequence_number
                                                      ROWS BETWEEN UNBOUNDED PRECEDING AND 1 PRECEDING), 0)
                                           ELSE rounded_share END AS net
                      FROM raw
                  ),
                  bounds AS (
                      SELECT payment_authorization_id,
                             COALESCE(SUM(net) FILTER (WHERE completed_at IS NOT NULL), 0) AS done_net,
                             COALESCE(SUM(net) FILTER (WHERE completed_at IS NULL
                                 AND sequence_number = current_milestone_index), 0) AS active_net
                      FROM shares
                      GROUP BY payment_authorization_id
                  )
                  SELECT b.payment_authorization_id, b.done_net, b.active_net,
                         COALESCE(SUM(c.amount),0) AS captured
                  FROM bounds b
                  LEFT JOIN payment_ledger c
                    ON c.parent_id = b.payment_authorization_id AND c.kind = 'capture'
                  GROUP BY b.payment_authorization_id, b.done_net, b.active_net
                  HAVING COALESCE(SUM(c.amount),0) < b.done_net
                      OR COALESCE(SUM(c.amount),0) > b.done_net + b.active_net`,
		},
	}
}

// Run executes all oracles and returns the first failure (oracle name and a
// sample row) or an empty name when every invariant holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return "", "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, _ := rows.Values()
			rows.Close()
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return "", "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		rows.Close()
	}
	return "", "", nil
}
