package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opswarden/opswarden/internal/action"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed action store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection serializes writers so conditional updates and the
	// cancel-all transaction never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS action_proposals (
		id                TEXT PRIMARY KEY,
		action_name       TEXT NOT NULL,
		parameters        TEXT NOT NULL,
		rationale         TEXT,
		risks             TEXT,
		status            TEXT NOT NULL,
		dry_run           INTEGER NOT NULL DEFAULT 0,
		requires_approval INTEGER NOT NULL DEFAULT 0,
		proposed_by       TEXT,
		proposed_at       DATETIME NOT NULL,
		validated_at      DATETIME,
		approved_at       DATETIME,
		approved_by       TEXT,
		executed_at       DATETIME,
		completed_at      DATETIME,
		result            TEXT
	);

	CREATE TABLE IF NOT EXISTS action_records (
		id            TEXT PRIMARY KEY,
		proposal_id   TEXT NOT NULL REFERENCES action_proposals(id),
		action_name   TEXT NOT NULL,
		success       INTEGER NOT NULL,
		timeout       INTEGER NOT NULL DEFAULT 0,
		dry_run       INTEGER NOT NULL DEFAULT 0,
		message       TEXT,
		output        TEXT,
		state_before  TEXT,
		state_after   TEXT,
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		created_at    DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS action_audit_log (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		proposal_id   TEXT,
		event_type    TEXT NOT NULL,
		timestamp     DATETIME NOT NULL,
		detail        TEXT,
		prev_hash     TEXT NOT NULL,
		hash          TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_proposals_status ON action_proposals(status);
	CREATE INDEX IF NOT EXISTS idx_proposals_action ON action_proposals(action_name);
	CREATE INDEX IF NOT EXISTS idx_records_proposal ON action_records(proposal_id);
	CREATE INDEX IF NOT EXISTS idx_audit_proposal ON action_audit_log(proposal_id);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON action_audit_log(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON action_audit_log(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Proposals ---

const proposalColumns = `id, action_name, parameters, rationale, risks, status, dry_run,
	requires_approval, proposed_by, proposed_at, validated_at, approved_at, approved_by,
	executed_at, completed_at, result`

func (s *SQLiteStore) InsertProposal(p *action.Proposal) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("encoding parameters: %w", err)
	}
	var risks sql.NullString
	if len(p.Risks) > 0 {
		data, err := json.Marshal(p.Risks)
		if err != nil {
			return fmt.Errorf("encoding risks: %w", err)
		}
		risks = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.Exec(`INSERT INTO action_proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ActionName, string(params), nullStr(p.Rationale), risks, p.Status, p.DryRun,
		p.RequiresApproval, nullStr(p.ProposedBy), p.ProposedAt.UTC(), nullTime(p.ValidatedAt),
		nullTime(p.ApprovedAt), nullStr(p.ApprovedBy), nullTime(p.ExecutedAt),
		nullTime(p.CompletedAt), nullableJSON(p.Result),
	)
	return err
}

func (s *SQLiteStore) GetProposal(id string) (*action.Proposal, error) {
	row := s.db.QueryRow(`SELECT `+proposalColumns+` FROM action_proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) ListProposals(filter action.ProposalFilter) ([]*action.Proposal, int, error) {
	where, args := buildProposalWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM action_proposals"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + proposalColumns + " FROM action_proposals" + where + " ORDER BY proposed_at ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var proposals []*action.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, err
		}
		proposals = append(proposals, p)
	}
	return proposals, count, rows.Err()
}

func (s *SQLiteStore) TransitionProposal(t Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("transition of %s to %s has no source status", t.ID, t.To)
	}

	sets := []string{"status = ?"}
	args := []interface{}{t.To}
	if col := timestampColumn(t.To); col != "" {
		sets = append(sets, col+" = ?")
		args = append(args, t.At.UTC())
	}
	if t.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, nullableJSON(t.Result))
	}

	placeholders := make([]string, len(t.From))
	args = append(args, t.ID)
	for i, from := range t.From {
		placeholders[i] = "?"
		args = append(args, from)
	}

	res, err := s.db.Exec("UPDATE action_proposals SET "+strings.Join(sets, ", ")+
		" WHERE id = ? AND status IN ("+strings.Join(placeholders, ", ")+")", args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) ApproveProposal(id, approvedBy string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE action_proposals SET approved_at = ?, approved_by = ?
		WHERE id = ? AND status IN (?, ?)`,
		at.UTC(), nullStr(approvedBy), id, action.StatusProposed, action.StatusValidated)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelPending moves every proposed or validated proposal to cancelled in
// one transaction and returns the affected ids.
func (s *SQLiteStore) CancelPending(at time.Time) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM action_proposals WHERE status IN (?, ?) ORDER BY proposed_at ASC, id ASC`,
		action.StatusProposed, action.StatusValidated)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(`UPDATE action_proposals SET status = ?, completed_at = ? WHERE status IN (?, ?)`,
			action.StatusCancelled, at.UTC(), action.StatusProposed, action.StatusValidated); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// --- Records ---

func (s *SQLiteStore) InsertRecord(r *action.Record) error {
	_, err := s.db.Exec(`INSERT INTO action_records (id, proposal_id, action_name, success, timeout,
		dry_run, message, output, state_before, state_after, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProposalID, r.ActionName, r.Success, r.Timeout, r.DryRun, nullStr(r.Message),
		nullableJSON(r.Output), nullableJSON(r.StateBefore), nullableJSON(r.StateAfter),
		r.DurationMs, r.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) ListRecords(proposalID string) ([]*action.Record, error) {
	rows, err := s.db.Query(`SELECT id, proposal_id, action_name, success, timeout, dry_run, message,
		output, state_before, state_after, duration_ms, created_at
		FROM action_records WHERE proposal_id = ? ORDER BY rowid ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*action.Record
	for rows.Next() {
		r := &action.Record{}
		var message, output, before, after sql.NullString
		if err := rows.Scan(&r.ID, &r.ProposalID, &r.ActionName, &r.Success, &r.Timeout, &r.DryRun,
			&message, &output, &before, &after, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Message = message.String
		r.Output = jsonOrNil(output)
		r.StateBefore = jsonOrNil(before)
		r.StateAfter = jsonOrNil(after)
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Audit log ---

func (s *SQLiteStore) AppendAuditEvent(e *action.AuditEvent) error {
	res, err := s.db.Exec(`INSERT INTO action_audit_log (id, proposal_id, event_type, timestamp, detail, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullStr(e.ProposalID), e.Type, e.Timestamp.UTC(), nullableJSON(e.Detail), e.PrevHash, e.Hash,
	)
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.Seq = seq
	return nil
}

func (s *SQLiteStore) LastAuditEvent() (*action.AuditEvent, error) {
	row := s.db.QueryRow(`SELECT seq, id, proposal_id, event_type, timestamp, detail, prev_hash, hash
		FROM action_audit_log ORDER BY seq DESC LIMIT 1`)
	e, err := scanAuditEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListAuditEvents returns events in append order. A non-positive limit
// returns every matching event.
func (s *SQLiteStore) ListAuditEvents(filter action.AuditFilter) ([]*action.AuditEvent, error) {
	where, args := buildAuditWhere(filter)
	query := `SELECT seq, id, proposal_id, event_type, timestamp, detail, prev_hash, hash
		FROM action_audit_log` + where + " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*action.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Stats ---

func (s *SQLiteStore) GetStats() (*action.Stats, error) {
	stats := &action.Stats{ProposalsByStatus: make(map[action.Status]int)}

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM action_proposals GROUP BY status")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status action.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ProposalsByStatus[status] = n
		stats.TotalProposals += n
	}
	rows.Close()

	s.db.QueryRow("SELECT COUNT(*) FROM action_records").Scan(&stats.TotalRecords)
	s.db.QueryRow("SELECT COUNT(*) FROM action_records WHERE success = 0 AND dry_run = 0").Scan(&stats.FailedRecords)
	s.db.QueryRow("SELECT COUNT(*) FROM action_audit_log").Scan(&stats.TotalAuditEvents)
	return stats, nil
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (*action.Proposal, error) {
	p := &action.Proposal{}
	var params string
	var rationale, risks, proposedBy, approvedBy, result sql.NullString
	var validatedAt, approvedAt, executedAt, completedAt sql.NullTime

	if err := row.Scan(&p.ID, &p.ActionName, &params, &rationale, &risks, &p.Status, &p.DryRun,
		&p.RequiresApproval, &proposedBy, &p.ProposedAt, &validatedAt, &approvedAt, &approvedBy,
		&executedAt, &completedAt, &result); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &p.Params); err != nil {
		return nil, fmt.Errorf("decoding parameters of %s: %w", p.ID, err)
	}
	if risks.Valid && risks.String != "" {
		if err := json.Unmarshal([]byte(risks.String), &p.Risks); err != nil {
			return nil, fmt.Errorf("decoding risks of %s: %w", p.ID, err)
		}
	}
	p.Rationale = rationale.String
	p.ProposedBy = proposedBy.String
	p.ApprovedBy = approvedBy.String
	p.ValidatedAt = timeOrNil(validatedAt)
	p.ApprovedAt = timeOrNil(approvedAt)
	p.ExecutedAt = timeOrNil(executedAt)
	p.CompletedAt = timeOrNil(completedAt)
	p.Result = jsonOrNil(result)
	return p, nil
}

func scanAuditEvent(row rowScanner) (*action.AuditEvent, error) {
	e := &action.AuditEvent{}
	var proposalID, detail sql.NullString
	if err := row.Scan(&e.Seq, &e.ID, &proposalID, &e.Type, &e.Timestamp, &detail, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.ProposalID = proposalID.String
	e.Detail = jsonOrNil(detail)
	return e, nil
}

func timestampColumn(to action.Status) string {
	switch to {
	case action.StatusValidated:
		return "validated_at"
	case action.StatusExecuting:
		return "executed_at"
	case action.StatusCompleted, action.StatusFailed, action.StatusCancelled:
		return "completed_at"
	}
	return ""
}

func buildProposalWhere(f action.ProposalFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, f.Status)
	}
	if f.ActionName != "" {
		conditions = append(conditions, "action_name = ?")
		args = append(args, f.ActionName)
	}
	if f.Since != nil {
		conditions = append(conditions, "proposed_at >= ?")
		args = append(args, f.Since.UTC())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func buildAuditWhere(f action.AuditFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.ProposalID != "" {
		conditions = append(conditions, "proposal_id = ?")
		args = append(args, f.ProposalID)
	}
	if f.Type != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, f.Type)
	}
	if f.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timeOrNil(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullableJSON(data json.RawMessage) sql.NullString {
	if data == nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func jsonOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
