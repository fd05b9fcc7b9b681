package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

type filterAudienceRequest struct {
	UserIDs []string       `json:"userIds"`
	LayerID *types.LayerID `json:"layerId"`
}

type filterAudienceResponse struct {
	EligibleUserIDs []types.UserID        `json:"eligibleUserIds"`
	ExcludedCount   int                   `json:"excludedCount"`
	Exclusions      model.ExclusionCounts `json:"exclusions"`
	RulesApplied    bool                  `json:"rulesApplied"`
}

func (s *Server) handleFilterAudience(w http.ResponseWriter, r *http.Request) {
	var req filterAudienceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.LayerID == nil {
		writeError(w, r, badRequest("layerId is required"))
		return
	}

	ids := make([]types.UserID, len(req.UserIDs))
	for i, id := range req.UserIDs {
		ids[i] = types.UserID(id)
	}

	result, err := s.uc.Cadence.FilterUsersByCadence(r.Context(), ids, *req.LayerID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	eligible := result.EligibleUserIDs
	if eligible == nil {
		eligible = []types.UserID{}
	}
	writeJSON(w, r, http.StatusOK, filterAudienceResponse{
		EligibleUserIDs: eligible,
		ExcludedCount:   result.ExcludedCount,
		Exclusions:      result.Exclusions,
		RulesApplied:    result.RulesApplied,
	})
}

type trackNotificationRequest struct {
	UserID              string        `json:"userId"`
	LayerID             types.LayerID `json:"layerId"`
	PushTitle           string        `json:"pushTitle"`
	PushBody            string        `json:"pushBody"`
	AudienceDescription string        `json:"audienceDescription"`
	DeepLink            string        `json:"deepLink"`
	SentAt              *time.Time    `json:"sentAt"`
}

func (s *Server) handleTrackNotification(w http.ResponseWriter, r *http.Request) {
	var req trackNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	n := &model.UserNotification{
		UserID:              types.UserID(req.UserID),
		LayerID:             req.LayerID,
		PushTitle:           req.PushTitle,
		PushBody:            req.PushBody,
		AudienceDescription: req.AudienceDescription,
		DeepLink:            req.DeepLink,
	}
	if req.SentAt != nil {
		n.SentAt = *req.SentAt
	}

	recorded, err := s.uc.Notification.TrackNotification(r.Context(), n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"success": true, "id": recorded.ID})
}

func (s *Server) handleNotificationHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.uc.Notification.History(r.Context(), types.UserID(chi.URLParam(r, "userId")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*model.UserNotification{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"notifications": history})
}
