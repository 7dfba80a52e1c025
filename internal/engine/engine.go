// Package engine owns the requirement and test case lifecycles. It is the
// only writer of status columns and every mutation it performs is recorded
// in the audit store within the same transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reqline/internal/config"
	"reqline/internal/domain"
	"reqline/internal/events"
	"reqline/internal/repo"
)

const (
	ActorAutoApprove = "auto-approve"
	ActorJudge       = "judge-llm"
	ActorSystem      = "system"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Locks  *Locker
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Locks:  NewLocker(),
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) lock(key string) func() {
	if e.Locks == nil {
		return func() {}
	}
	return e.Locks.Lock(key)
}

// inTx runs fn inside a transaction and commits when fn succeeds.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx, r repo.Repo) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx, e.Repo.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

// recordReviewFailure appends ev with the failure attached and returns err.
// It must be called after the failed operation's transaction has ended.
func (e Engine) recordReviewFailure(ctx context.Context, ev domain.ReviewEvent, err error) error {
	ev.ErrorKind = errorKind(err)
	ev.Error = err.Error()
	e.observe(err, ev.EntityID, ev.Action)
	bg := context.WithoutCancel(ctx)
	rerr := e.inTx(bg, func(tx *sql.Tx, _ repo.Repo) error {
		_, aerr := e.writer().AppendReview(bg, tx, ev)
		return aerr
	})
	if rerr != nil {
		e.log().Error("audit append failed", zap.String("entity_id", ev.EntityID), zap.String("action", ev.Action), zap.Error(rerr))
	}
	return err
}

// recordGenerationFailure appends a failed collaborator call and returns err.
func (e Engine) recordGenerationFailure(ctx context.Context, ev domain.GenerationEvent, err error) error {
	ev.ErrorKind = errorKind(err)
	ev.Error = err.Error()
	e.observe(err, ev.EntityID, ev.Operation)
	bg := context.WithoutCancel(ctx)
	rerr := e.inTx(bg, func(tx *sql.Tx, _ repo.Repo) error {
		_, aerr := e.writer().AppendGeneration(bg, tx, ev)
		return aerr
	})
	if rerr != nil {
		e.log().Error("audit append failed", zap.String("entity_id", ev.EntityID), zap.String("operation", ev.Operation), zap.Error(rerr))
	}
	return err
}

func (e Engine) observe(err error, entityID, action string) {
	fields := []zap.Field{zap.String("entity_id", entityID), zap.String("action", action), zap.Error(err)}
	switch KindOf(err) {
	case KindConsistency:
		e.log().Error("consistency violation", fields...)
	case KindCollaborator:
		e.log().Warn("collaborator failure", fields...)
	default:
		e.log().Debug("operation rejected", fields...)
	}
}

func errorKind(err error) string {
	if k := KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "internal"
}

func newID() string {
	return uuid.NewString()
}

func requireActor(actor, entityID string) error {
	if actor == "" {
		return validationErr(CodeInvalidInput, entityID, "actor is required")
	}
	return nil
}
