// Package events is the append-only audit store. Rows are only ever inserted;
// the schema rejects UPDATE and DELETE on both event tables.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"reqline/internal/db"
	"reqline/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

func (w Writer) now() string {
	if w.Now == nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return w.Now().UTC().Format(time.RFC3339Nano)
}

// nextSeq hands out the global audit sequence shared by both event tables.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `UPDATE audit_seq SET value = value + 1 RETURNING value`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next audit seq: %w", err)
	}
	return seq, nil
}

// AppendReview records a review event inside tx and returns it with id, seq and ts set.
func (w Writer) AppendReview(ctx context.Context, tx *sql.Tx, ev domain.ReviewEvent) (domain.ReviewEvent, error) {
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return ev, err
	}
	ev.Seq = seq
	ev.TS = w.now()
	diffs, err := marshalOptional(ev.Diffs, len(ev.Diffs) == 0)
	if err != nil {
		return ev, fmt.Errorf("marshal review diffs: %w", err)
	}
	payload, err := marshalOptional(ev.Payload, len(ev.Payload) == 0)
	if err != nil {
		return ev, fmt.Errorf("marshal review payload: %w", err)
	}
	var conf any
	if ev.ReviewerConfidence != nil {
		conf = *ev.ReviewerConfidence
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO review_events(seq,ts,entity_kind,entity_id,lineage_id,actor,action,from_status,to_status,note,diffs_json,reviewer_confidence,payload_json,error_kind,error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.Seq, ev.TS, ev.EntityKind, ev.EntityID, nullable(ev.LineageID), ev.Actor, ev.Action, nullable(ev.FromStatus), nullable(ev.ToStatus),
		nullable(ev.Note), diffs, conf, payload, nullable(ev.ErrorKind), nullable(ev.Error))
	if err != nil {
		return ev, fmt.Errorf("insert review event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return ev, nil
}

// AppendGeneration records a collaborator call inside tx.
func (w Writer) AppendGeneration(ctx context.Context, tx *sql.Tx, ev domain.GenerationEvent) (domain.GenerationEvent, error) {
	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return ev, err
	}
	ev.Seq = seq
	ev.TS = w.now()
	input, err := marshalOptional(ev.Input, ev.Input == nil)
	if err != nil {
		return ev, fmt.Errorf("marshal generation input: %w", err)
	}
	output, err := marshalOptional(ev.Output, ev.Output == nil)
	if err != nil {
		return ev, fmt.Errorf("marshal generation output: %w", err)
	}
	produced, err := marshalOptional(ev.ProducedIDs, len(ev.ProducedIDs) == 0)
	if err != nil {
		return ev, fmt.Errorf("marshal produced ids: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO generation_events(seq,ts,entity_kind,entity_id,lineage_id,actor,operation,collaborator,model,input_json,output_json,raw,produced_ids_json,error_kind,error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.Seq, ev.TS, ev.EntityKind, ev.EntityID, nullable(ev.LineageID), ev.Actor, ev.Operation, nullable(ev.Collaborator), nullable(ev.Model),
		input, output, nullable(ev.Raw), produced, nullable(ev.ErrorKind), nullable(ev.Error))
	if err != nil {
		return ev, fmt.Errorf("insert generation event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return ev, nil
}

// Filter selects audit rows. EntityID and LineageID are OR-ed so that a
// requirement trail covers every version of its lineage.
type Filter struct {
	EntityID  string
	LineageID string
	Actor     string
	Action    string
	Limit     int
}

func (f Filter) where() (string, []any) {
	clause := "(entity_id=?"
	args := []any{f.EntityID}
	if f.LineageID != "" {
		clause += " OR lineage_id=?"
		args = append(args, f.LineageID)
	}
	clause += ")"
	return clause, args
}

const reviewColumns = `id,seq,ts,entity_kind,entity_id,COALESCE(lineage_id,''),actor,action,COALESCE(from_status,''),COALESCE(to_status,''),COALESCE(note,''),diffs_json,reviewer_confidence,payload_json,COALESCE(error_kind,''),COALESCE(error,'')`

// Reviews lists review events matching f in seq order.
func Reviews(ctx context.Context, q db.DBTX, f Filter) ([]domain.ReviewEvent, error) {
	where, args := f.where()
	if f.Actor != "" {
		where += " AND actor=?"
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		where += " AND action=?"
		args = append(args, f.Action)
	}
	query := `SELECT ` + reviewColumns + ` FROM review_events WHERE ` + where + ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query = `SELECT * FROM (SELECT ` + reviewColumns + ` FROM review_events WHERE ` + where + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewEvent
	for rows.Next() {
		var ev domain.ReviewEvent
		var diffs, payload sql.NullString
		var conf sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.TS, &ev.EntityKind, &ev.EntityID, &ev.LineageID, &ev.Actor, &ev.Action, &ev.FromStatus, &ev.ToStatus,
			&ev.Note, &diffs, &conf, &payload, &ev.ErrorKind, &ev.Error); err != nil {
			return nil, err
		}
		if diffs.Valid {
			if err := json.Unmarshal([]byte(diffs.String), &ev.Diffs); err != nil {
				return nil, fmt.Errorf("review event %d diffs: %w", ev.ID, err)
			}
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("review event %d payload: %w", ev.ID, err)
			}
		}
		if conf.Valid {
			v := conf.Float64
			ev.ReviewerConfidence = &v
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// Generations lists generation events matching f in seq order.
func Generations(ctx context.Context, q db.DBTX, f Filter) ([]domain.GenerationEvent, error) {
	where, args := f.where()
	if f.Actor != "" {
		where += " AND actor=?"
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		where += " AND operation=?"
		args = append(args, f.Action)
	}
	rows, err := q.QueryContext(ctx, `SELECT id,seq,ts,entity_kind,entity_id,COALESCE(lineage_id,''),actor,operation,COALESCE(collaborator,''),COALESCE(model,''),
input_json,output_json,COALESCE(raw,''),produced_ids_json,COALESCE(error_kind,''),COALESCE(error,'')
FROM generation_events WHERE `+where+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GenerationEvent
	for rows.Next() {
		var ev domain.GenerationEvent
		var input, output, produced sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.TS, &ev.EntityKind, &ev.EntityID, &ev.LineageID, &ev.Actor, &ev.Operation, &ev.Collaborator, &ev.Model,
			&input, &output, &ev.Raw, &produced, &ev.ErrorKind, &ev.Error); err != nil {
			return nil, err
		}
		if input.Valid {
			if err := json.Unmarshal([]byte(input.String), &ev.Input); err != nil {
				return nil, fmt.Errorf("generation event %d input: %w", ev.ID, err)
			}
		}
		if output.Valid {
			if err := json.Unmarshal([]byte(output.String), &ev.Output); err != nil {
				return nil, fmt.Errorf("generation event %d output: %w", ev.ID, err)
			}
		}
		if produced.Valid {
			if err := json.Unmarshal([]byte(produced.String), &ev.ProducedIDs); err != nil {
				return nil, fmt.Errorf("generation event %d produced ids: %w", ev.ID, err)
			}
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// Trail merges both streams for an entity into one seq-ordered list.
func Trail(ctx context.Context, q db.DBTX, f Filter) ([]domain.AuditEntry, error) {
	f.Limit = 0
	reviews, err := Reviews(ctx, q, f)
	if err != nil {
		return nil, fmt.Errorf("list review events: %w", err)
	}
	gens, err := Generations(ctx, q, f)
	if err != nil {
		return nil, fmt.Errorf("list generation events: %w", err)
	}
	out := make([]domain.AuditEntry, 0, len(reviews)+len(gens))
	for i := range reviews {
		out = append(out, domain.AuditEntry{Seq: reviews[i].Seq, Stream: "review", Review: &reviews[i]})
	}
	for i := range gens {
		out = append(out, domain.AuditEntry{Seq: gens[i].Seq, Stream: "generation", Generation: &gens[i]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func marshalOptional(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
