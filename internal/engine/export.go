package engine

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"reqline/internal/domain"
	"reqline/internal/repo"
)

// CreateTicketsFunc is the ticket sink call made once per export batch.
type CreateTicketsFunc func(ctx context.Context, cases []domain.TestCase) (domain.TicketResult, error)

type ExportItem struct {
	TestCaseID string `json:"test_case_id"`
	TicketID   string `json:"ticket_id,omitempty"`
	Err        error  `json:"-"`
}

// Export pushes generated test cases to the ticket sink. Ineligible ids fail
// before the sink is called; only ids the sink reports as created become
// pushed. Results are recorded even if ctx is canceled after the sink call,
// so a created ticket is never left unrecorded.
func (e Engine) Export(ctx context.Context, ids []string, actor string, create CreateTicketsFunc) []ExportItem {
	actor = actorOr(actor)
	items := make([]ExportItem, len(ids))
	index := map[string]int{}
	var eligible []domain.TestCase
	for i, id := range ids {
		items[i].TestCaseID = id
		ev := domain.ReviewEvent{EntityKind: "test_case", EntityID: id, Actor: actor, Action: string(OpExport)}
		if _, dup := index[id]; dup {
			items[i].Err = e.recordReviewFailure(ctx, ev, validationErr(CodeInvalidInput, id, "duplicate id in export batch"))
			continue
		}
		index[id] = i
		tc, err := e.Repo.GetTestCase(ctx, id)
		if err != nil {
			items[i].Err = e.recordReviewFailure(ctx, ev, storageErr(err, "test case", id))
			continue
		}
		if _, err := TestCaseTransition(tc.Status, OpExport, id); err != nil {
			ev.FromStatus = string(tc.Status)
			items[i].Err = e.recordReviewFailure(ctx, ev, err)
			continue
		}
		eligible = append(eligible, tc)
	}
	if len(eligible) == 0 {
		return items
	}

	res, callErr := create(ctx, eligible)
	bg := context.WithoutCancel(ctx)
	for _, tc := range eligible {
		i := index[tc.ID]
		gen := domain.GenerationEvent{
			EntityKind:   "test_case",
			EntityID:     tc.ID,
			Actor:        actor,
			Operation:    string(OpExport),
			Collaborator: res.Collaborator,
			Input:        map[string]any{"test_case_id": tc.ID, "code": tc.Code},
		}
		if callErr != nil {
			items[i].Err = e.recordGenerationFailure(bg, gen, CollaboratorErr(CodeTicketFailed, tc.ID, callErr))
			continue
		}
		ticket, ok := res.Succeeded[tc.ID]
		switch {
		case ok && ticket != "":
			gen.Output = map[string]any{"ticket_id": ticket}
			items[i].Err = e.markPushed(bg, tc.ID, ticket, actor, gen)
			if items[i].Err == nil {
				items[i].TicketID = ticket
			}
		case ok:
			items[i].Err = e.recordGenerationFailure(bg, gen, CollaboratorErr(CodeTicketFailed, tc.ID, errors.New("ticket sink returned an empty ticket id")))
		case res.Failed[tc.ID] != nil:
			items[i].Err = e.recordGenerationFailure(bg, gen, CollaboratorErr(CodeTicketFailed, tc.ID, res.Failed[tc.ID]))
		default:
			items[i].Err = e.recordGenerationFailure(bg, gen, CollaboratorErr(CodeTicketFailed, tc.ID, errors.New("ticket sink returned no result")))
		}
	}
	for id := range res.Succeeded {
		if _, ok := index[id]; !ok {
			e.log().Warn("ticket sink reported an id outside the batch", zap.String("test_case_id", id))
		}
	}
	return items
}

func (e Engine) markPushed(ctx context.Context, id, ticket, actor string, gen domain.GenerationEvent) error {
	unlock := e.lock(testCaseKey(id))
	defer unlock()
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		tc, err := r.GetTestCase(ctx, id)
		if err != nil {
			return storageErr(err, "test case", id)
		}
		to, err := TestCaseTransition(tc.Status, OpExport, id)
		if err != nil {
			return consistencyErr(id, err, "ticket %s was created but the test case is now %s", ticket, tc.Status)
		}
		from := tc.Status
		tc.Status = to
		tc.ExternalTicketID = &ticket
		tc.UpdatedAt = e.stamp()
		if err := r.UpdateTestCase(ctx, tc); err != nil {
			return err
		}
		gen.ProducedIDs = []string{ticket}
		if _, err := e.writer().AppendGeneration(ctx, tx, gen); err != nil {
			return err
		}
		_, err = e.writer().AppendReview(ctx, tx, domain.ReviewEvent{
			EntityKind: "test_case",
			EntityID:   id,
			Actor:      actor,
			Action:     string(OpExport),
			FromStatus: string(from),
			ToStatus:   string(to),
			Payload:    map[string]any{"ticket_id": ticket},
		})
		return err
	})
	if err != nil {
		return e.recordGenerationFailure(ctx, gen, err)
	}
	return nil
}
