package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"beneFitterAPI/internal/challenge"
	"beneFitterAPI/middleware"
	"beneFitterAPI/services"

	"github.com/gorilla/mux"
)

type ChallengeHandler struct {
	challengeService *services.ChallengeService
	defaultOrg       challenge.Organization
}

func NewChallengeHandler(challengeService *services.ChallengeService, defaultOrg challenge.Organization) *ChallengeHandler {
	return &ChallengeHandler{
		challengeService: challengeService,
		defaultOrg:       defaultOrg,
	}
}

type challengeResponse struct {
	challenge.Snapshot
	RemainingSeconds int64 `json:"remaining_seconds"`
}

type joinResponse struct {
	Challenge           challengeResponse `json:"challenge"`
	Joined              bool              `json:"joined"`
	OrganizationInfoErr string            `json:"organization_info_error,omitempty"`
}

type failedChallenge struct {
	ChallengeID string `json:"challenge_id"`
	Error       string `json:"error"`
}

type activeChallengesResponse struct {
	Challenges []challengeResponse `json:"challenges"`
	Failed     []failedChallenge   `json:"failed"`
}

func (h *ChallengeHandler) toResponse(c *challenge.SelfChallenge) challengeResponse {
	return challengeResponse{
		Snapshot:         c.Snapshot(),
		RemainingSeconds: int64(h.challengeService.RemainingTime(c, time.Now()).Seconds()),
	}
}

// organization picks the ?organization= query value, or the default.
func (h *ChallengeHandler) organization(r *http.Request) (challenge.Organization, bool) {
	tag := r.URL.Query().Get("organization")
	if tag == "" {
		return h.defaultOrg, true
	}
	return challenge.ParseOrganization(tag)
}

func (h *ChallengeHandler) GetTopChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	org, ok := h.organization(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "unknown organization")
		return
	}

	c, err := h.challengeService.TopChallenge(ctx, org)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.toResponse(c))
}

func (h *ChallengeHandler) JoinTopChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	org, ok := h.organization(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "unknown organization")
		return
	}

	c, res, err := h.challengeService.JoinTopChallenge(ctx, org)
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	if res == nil {
		respondWithJSON(w, http.StatusOK, joinResponse{Challenge: h.toResponse(c)})
		return
	}

	resp := joinResponse{Challenge: h.toResponse(c), Joined: true}
	if res.OrganizationInfoErr != nil {
		resp.OrganizationInfoErr = res.OrganizationInfoErr.Error()
	}
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *ChallengeHandler) GetActiveChallenges(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var (
		mu   sync.Mutex
		resp = activeChallengesResponse{
			Challenges: []challengeResponse{},
			Failed:     []failedChallenge{},
		}
	)
	err := h.challengeService.FetchActiveChallenges(ctx, clerkID, func(id string, c *challenge.SelfChallenge, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			resp.Failed = append(resp.Failed, failedChallenge{ChallengeID: id, Error: err.Error()})
			return
		}
		resp.Challenges = append(resp.Challenges, h.toResponse(c))
	})
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	sort.Slice(resp.Challenges, func(i, j int) bool {
		return resp.Challenges[i].StartDate.Before(resp.Challenges[j].StartDate)
	})
	sort.Slice(resp.Failed, func(i, j int) bool {
		return resp.Failed[i].ChallengeID < resp.Failed[j].ChallengeID
	})
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *ChallengeHandler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	c, err := h.challengeService.ChallengeForUser(ctx, mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.toResponse(c))
}

func (h *ChallengeHandler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req struct {
		Progress *int `json:"progress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Progress == nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.challengeService.ChallengeForUser(ctx, mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	if err := h.challengeService.UpdateProgress(ctx, c, *req.Progress); err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.toResponse(c))
}

func (h *ChallengeHandler) RefreshProgress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	c, err := h.challengeService.ChallengeForUser(ctx, mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, r, err)
		return
	}

	if err := h.challengeService.RefreshProgress(ctx, c); err != nil {
		respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, h.toResponse(c))
}

func (h *ChallengeHandler) GetOrganizations(w http.ResponseWriter, r *http.Request) {
	type topChallenge struct {
		Kind            challenge.Kind     `json:"challenge_type"`
		Goal            int                `json:"goal"`
		BettingAmount   int                `json:"betting_amount"`
		Duration        challenge.Duration `json:"duration"`
		DurationSeconds float64            `json:"duration_seconds"`
		Unit            string             `json:"unit"`
	}
	type organization struct {
		Tag               challenge.Organization `json:"tag"`
		ID                string                 `json:"id"`
		Name              string                 `json:"organization_name"`
		SwishNumber       int                    `json:"swish_number"`
		LogotypeImagePath string                 `json:"logotype_image_path"`
		ChallengeInfo     string                 `json:"challenge_info"`
		TopChallenge      topChallenge           `json:"top_challenge"`
	}

	orgs := []organization{}
	for _, org := range challenge.Organizations() {
		top := org.TopChallenge()
		orgs = append(orgs, organization{
			Tag:               org,
			ID:                org.ID(),
			Name:              org.Name(),
			SwishNumber:       org.SwishNumber(),
			LogotypeImagePath: org.LogotypeImagePath(),
			ChallengeInfo:     org.ChallengeInfo(),
			TopChallenge: topChallenge{
				Kind:            top.Kind,
				Goal:            top.Goal,
				BettingAmount:   top.Bet,
				Duration:        top.Duration,
				DurationSeconds: top.Duration.Seconds(),
				Unit:            top.Kind.Unit(),
			},
		})
	}
	respondWithJSON(w, http.StatusOK, orgs)
}
