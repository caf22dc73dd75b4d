package handlers

import "github.com/gorilla/mux"

// RegisterRoutes mounts the challenge API on an already protected router.
// Fixed paths go before /challenges/{id}.
func RegisterRoutes(r *mux.Router, challengeHandler *ChallengeHandler, healthHandler *HealthHandler) {
	r.HandleFunc("/challenges/top", challengeHandler.GetTopChallenge).Methods("GET")
	r.HandleFunc("/challenges/top/join", challengeHandler.JoinTopChallenge).Methods("POST")
	r.HandleFunc("/challenges/active", challengeHandler.GetActiveChallenges).Methods("GET")
	r.HandleFunc("/challenges/{id}", challengeHandler.GetChallenge).Methods("GET")
	r.HandleFunc("/challenges/{id}/progress", challengeHandler.UpdateProgress).Methods("PUT")
	r.HandleFunc("/challenges/{id}/refresh", challengeHandler.RefreshProgress).Methods("POST")
	r.HandleFunc("/challenges/{id}/events", challengeHandler.StreamEvents).Methods("GET")

	r.HandleFunc("/health/samples", healthHandler.PostSamples).Methods("POST")

	r.HandleFunc("/organizations", challengeHandler.GetOrganizations).Methods("GET")
}
