// Package question exposes the structured-questions flow: inspect the
// active set, record answers, submit, cancel.
package question

import (
	"net/http"

	"github.com/neboloop/conductor/internal/httputil"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/svc"
	"github.com/neboloop/conductor/internal/types"
)

// GetQuestionsHandler returns the active set with its answer state, or an
// inactive response when nothing is pending.
func GetQuestionsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, questionsResponse(svcCtx))
	}
}

// AnswerQuestionHandler applies one answer mutation: toggle an option, set
// the "other" text, or set the free-text answer. Single-select questions
// replace the selection; multi-select toggles membership.
func AnswerQuestionHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.AnswerQuestionRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}

		set := svcCtx.Questions.Active()
		if set == nil {
			httputil.NotFound(w, "no active question set")
			return
		}
		if req.QuestionID == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "questionId is required")
			return
		}

		if req.Option != "" {
			set.Toggle(req.QuestionID, req.Option)
		}
		if req.OtherText != "" {
			set.SetOtherText(req.QuestionID, req.OtherText)
		}
		if req.FreeText != "" {
			set.SetFreeText(req.QuestionID, req.FreeText)
		}

		svcCtx.NotifyQuestionsChanged()
		httputil.OkJSON(w, questionsResponse(svcCtx))
	}
}

// SubmitQuestionsHandler formats the completed set and replays it as an
// outbound chat message. An incomplete set is a 400, not a partial send.
func SubmitQuestionsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		text, err := svcCtx.Chat.SubmitQuestions(r.Context())
		if err != nil {
			logging.Warnf("[Questions] Submit failed: %v", err)
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, &types.SubmitQuestionsResponse{Submitted: true, Text: text})
	}
}

// CancelQuestionsHandler discards the active set without sending anything.
func CancelQuestionsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svcCtx.Chat.CancelQuestions()
		httputil.OkJSON(w, &types.SubmitQuestionsResponse{Submitted: false})
	}
}

func questionsResponse(svcCtx *svc.ServiceContext) *types.QuestionsResponse {
	set := svcCtx.Questions.Active()
	if set == nil {
		return &types.QuestionsResponse{}
	}

	resp := &types.QuestionsResponse{
		Active:    true,
		Context:   set.Context,
		Questions: make([]types.QuestionItem, len(set.Questions)),
		Complete:  set.IsComplete(),
	}
	for i, q := range set.Questions {
		item := types.QuestionItem{
			ID:            q.ID,
			Text:          q.Text,
			Options:       q.Options,
			AllowMultiple: q.AllowMultiple,
			Placeholder:   q.Placeholder,
		}
		if a, ok := set.Answer(q.ID); ok {
			item.Selected = a.Selected
			item.OtherText = a.OtherText
			item.FreeText = a.FreeText
		}
		resp.Questions[i] = item
	}
	return resp
}
