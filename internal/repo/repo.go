package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reqline/internal/db"
	"reqline/internal/domain"
)

// Repo reads and writes lifecycle tables. DB may be a *sql.DB or a *sql.Tx;
// use WithTx to run the same queries inside a transaction.
type Repo struct {
	DB db.DBTX
}

var (
	ErrNotFound = errors.New("not found")
	// ErrInvariant marks a stored row that violates a lifecycle invariant.
	ErrInvariant = errors.New("invariant violated")
)

func (r Repo) WithTx(tx *sql.Tx) Repo {
	return Repo{DB: tx}
}

// --- documents ---

func (r Repo) InsertDocument(ctx context.Context, d domain.Document) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO documents(id,filename,uploaded_by,uploaded_at,upload_session_id) VALUES (?,?,?,?,?)`,
		d.ID, d.Filename, nullable(d.UploadedBy), d.UploadedAt, d.UploadSessionID)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var d domain.Document
	err := r.DB.QueryRowContext(ctx, `SELECT id,filename,COALESCE(uploaded_by,''),uploaded_at,upload_session_id FROM documents WHERE id=?`, id).
		Scan(&d.ID, &d.Filename, &d.UploadedBy, &d.UploadedAt, &d.UploadSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,filename,COALESCE(uploaded_by,''),uploaded_at,upload_session_id FROM documents ORDER BY uploaded_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.Filename, &d.UploadedBy, &d.UploadedAt, &d.UploadSessionID); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- requirements ---

const requirementColumns = `id,lineage_id,document_id,COALESCE(code,''),raw_text,structured_json,field_confidences_json,overall_confidence,status,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequirement(row rowScanner) (domain.Requirement, error) {
	var req domain.Requirement
	var structured, confidences string
	err := row.Scan(&req.ID, &req.LineageID, &req.DocumentID, &req.Code, &req.RawText, &structured, &confidences,
		&req.OverallConfidence, &req.Status, &req.Version, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal([]byte(structured), &req.Structured); err != nil {
		return req, fmt.Errorf("requirement %s structured: %w", req.ID, err)
	}
	if err := json.Unmarshal([]byte(confidences), &req.FieldConfidences); err != nil {
		return req, fmt.Errorf("requirement %s confidences: %w", req.ID, err)
	}
	if req.Structured == nil {
		req.Structured = map[string]any{}
	}
	if req.FieldConfidences == nil {
		req.FieldConfidences = map[string]float64{}
	}
	return req, nil
}

func (r Repo) InsertRequirement(ctx context.Context, req domain.Requirement) error {
	structured, err := json.Marshal(req.Structured)
	if err != nil {
		return fmt.Errorf("marshal structured: %w", err)
	}
	confidences, err := json.Marshal(req.FieldConfidences)
	if err != nil {
		return fmt.Errorf("marshal confidences: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO requirements(id,lineage_id,document_id,code,raw_text,structured_json,field_confidences_json,overall_confidence,status,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.LineageID, req.DocumentID, nullable(req.Code), req.RawText, string(structured), string(confidences),
		req.OverallConfidence, req.Status, req.Version, req.CreatedAt, req.UpdatedAt)
	return err
}

// SetRequirementStatus is the only in-place requirement update; content changes create a new version.
func (r Repo) SetRequirementStatus(ctx context.Context, id string, status domain.RequirementStatus, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE requirements SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRequirement(ctx context.Context, id string) (domain.Requirement, error) {
	return scanRequirement(r.DB.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE id=?`, id))
}

// GetLineageHead returns the single non-archived version of a lineage.
func (r Repo) GetLineageHead(ctx context.Context, lineageID string) (domain.Requirement, error) {
	return scanRequirement(r.DB.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE lineage_id=? AND status != 'archived'`, lineageID))
}

type RequirementFilters struct {
	DocumentID      string
	Status          domain.RequirementStatus
	IncludeArchived bool
	Limit           int
}

func (r Repo) ListRequirements(ctx context.Context, f RequirementFilters) ([]domain.Requirement, error) {
	var clauses []string
	var args []any
	if f.DocumentID != "" {
		clauses = append(clauses, "document_id=?")
		args = append(args, f.DocumentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	} else if !f.IncludeArchived {
		clauses = append(clauses, "status != 'archived'")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requirementColumns + ` FROM requirements ` + where + ` ORDER BY created_at ASC, lineage_id ASC, version ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Requirement
	for rows.Next() {
		req, err := scanRequirement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// --- test cases ---

const testCaseColumns = `id,code,requirement_id,test_type,content_json,status,regeneration_count,confirmed,external_ticket_id,generated_at,updated_at`

func scanTestCase(row rowScanner) (domain.TestCase, error) {
	var tc domain.TestCase
	var content string
	var ticket sql.NullString
	err := row.Scan(&tc.ID, &tc.Code, &tc.RequirementID, &tc.TestType, &content, &tc.Status, &tc.RegenerationCount, &tc.Confirmed,
		&ticket, &tc.GeneratedAt, &tc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tc, ErrNotFound
	}
	if err != nil {
		return tc, err
	}
	if err := json.Unmarshal([]byte(content), &tc.Content); err != nil {
		return tc, fmt.Errorf("test case %s content: %w", tc.ID, err)
	}
	if ticket.Valid {
		tc.ExternalTicketID = &ticket.String
	}
	if (tc.Status == domain.TestCasePushed) != (tc.ExternalTicketID != nil) {
		return tc, fmt.Errorf("test case %s status %s with ticket=%v: %w", tc.ID, tc.Status, tc.ExternalTicketID != nil, ErrInvariant)
	}
	return tc, nil
}

func (r Repo) InsertTestCase(ctx context.Context, tc domain.TestCase) error {
	content, err := json.Marshal(tc.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO test_cases(id,code,requirement_id,test_type,content_json,status,regeneration_count,confirmed,external_ticket_id,generated_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		tc.ID, tc.Code, tc.RequirementID, tc.TestType, string(content), tc.Status, tc.RegenerationCount, tc.Confirmed,
		nullableStringPtr(tc.ExternalTicketID), tc.GeneratedAt, tc.UpdatedAt)
	return err
}

// UpdateTestCase writes every mutable column. test_type and code never change.
func (r Repo) UpdateTestCase(ctx context.Context, tc domain.TestCase) error {
	content, err := json.Marshal(tc.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE test_cases SET requirement_id=?, content_json=?, status=?, regeneration_count=?, confirmed=?, external_ticket_id=?, generated_at=?, updated_at=? WHERE id=?`,
		tc.RequirementID, string(content), tc.Status, tc.RegenerationCount, tc.Confirmed, nullableStringPtr(tc.ExternalTicketID), tc.GeneratedAt, tc.UpdatedAt, tc.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTestCase(ctx context.Context, id string) (domain.TestCase, error) {
	return scanTestCase(r.DB.QueryRowContext(ctx, `SELECT `+testCaseColumns+` FROM test_cases WHERE id=?`, id))
}

type TestCaseFilters struct {
	RequirementID string
	DocumentID    string
	Statuses      []domain.TestCaseStatus
	Limit         int
}

func (r Repo) ListTestCases(ctx context.Context, f TestCaseFilters) ([]domain.TestCase, error) {
	var clauses []string
	var args []any
	if f.RequirementID != "" {
		clauses = append(clauses, "requirement_id=?")
		args = append(args, f.RequirementID)
	}
	if f.DocumentID != "" {
		clauses = append(clauses, "requirement_id IN (SELECT id FROM requirements WHERE document_id=?)")
		args = append(args, f.DocumentID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + testCaseColumns + ` FROM test_cases ` + where + ` ORDER BY generated_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TestCase
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tc)
	}
	return res, rows.Err()
}

// --- embeddings ---

// UpsertEmbedding stores the vectors of one requirement version, replacing
// any earlier embedding of that version.
func (r Repo) UpsertEmbedding(ctx context.Context, emb domain.Embedding) error {
	chunks, err := json.Marshal(emb.Chunks)
	if err != nil {
		return fmt.Errorf("marshal chunks: %w", err)
	}
	vectors, err := json.Marshal(emb.Vectors)
	if err != nil {
		return fmt.Errorf("marshal vectors: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO requirement_embeddings(requirement_id,model,chunks_json,vectors_json,dimension,created_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(requirement_id) DO UPDATE SET model=excluded.model, chunks_json=excluded.chunks_json,
  vectors_json=excluded.vectors_json, dimension=excluded.dimension, created_at=excluded.created_at`,
		emb.RequirementID, emb.Model, string(chunks), string(vectors), emb.Dimension, emb.CreatedAt)
	return err
}

// ListEmbeddings returns the embeddings of non-archived requirements, keyed by
// requirement id. An empty documentID covers every document.
func (r Repo) ListEmbeddings(ctx context.Context, documentID string) (map[string]domain.Embedding, error) {
	query := `SELECT e.requirement_id,e.model,e.chunks_json,e.vectors_json,e.dimension,e.created_at
FROM requirement_embeddings e JOIN requirements q ON q.id = e.requirement_id
WHERE q.status != 'archived'`
	var args []any
	if documentID != "" {
		query += ` AND q.document_id=?`
		args = append(args, documentID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.Embedding{}
	for rows.Next() {
		var emb domain.Embedding
		var chunks, vectors string
		if err := rows.Scan(&emb.RequirementID, &emb.Model, &chunks, &vectors, &emb.Dimension, &emb.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(chunks), &emb.Chunks); err != nil {
			return nil, fmt.Errorf("embedding %s chunks: %w", emb.RequirementID, err)
		}
		if err := json.Unmarshal([]byte(vectors), &emb.Vectors); err != nil {
			return nil, fmt.Errorf("embedding %s vectors: %w", emb.RequirementID, err)
		}
		res[emb.RequirementID] = emb
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
