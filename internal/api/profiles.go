package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/whisper-server/internal/clients"
	"github.com/snarg/whisper-server/internal/profiles"
)

// ProfilesHandler serves the profile sync surface: the user profile itself,
// the three timestamped sub-profiles, and the versioned settings blob.
type ProfilesHandler struct {
	profiles *profiles.Registry
	clients  *clients.Registry
	log      zerolog.Logger
}

func NewProfilesHandler(p *profiles.Registry, c *clients.Registry, log zerolog.Logger) *ProfilesHandler {
	return &ProfilesHandler{profiles: p, clients: c, log: log.With().Str("handler", "profiles").Logger()}
}

func (h *ProfilesHandler) Routes(r chi.Router) {
	r.Post("/userProfile", h.PostUser)
	r.Put("/userProfile/{profileId}", h.PutUser)
	r.Get("/userProfile/{profileId}", h.GetUser)

	for _, part := range []profiles.Part{profiles.PartWhisper, profiles.PartListen, profiles.PartFavorites} {
		part := part
		r.Post("/"+string(part)+"Profile", h.postPart(part))
		r.Put("/"+string(part)+"Profile/{profileId}", h.putPart(part))
		r.Get("/"+string(part)+"Profile/{profileId}", h.getPart(part))
	}

	r.Post("/settingsProfile", h.PostSettings)
	r.Put("/settingsProfile/{profileId}", h.PutSettings)
	r.Get("/settingsProfile/{profileId}", h.GetSettings)

	r.Post("/username", h.PostUsername)
}

// authorize loads the profile and, when it is shared, requires the opaque
// password as the bearer value.
func (h *ProfilesHandler) authorize(r *http.Request, profileID string) (profiles.Profile, error) {
	ctx := r.Context()
	p, err := h.profiles.Get(ctx, profileID)
	if err != nil {
		return profiles.Profile{}, err
	}
	if p.Shared() {
		if err := h.profiles.CheckPassword(ctx, profileID, BearerToken(r)); err != nil {
			return profiles.Profile{}, err
		}
	}
	return p, nil
}

type userProfileBody struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *ProfilesHandler) PostUser(w http.ResponseWriter, r *http.Request) {
	var req userProfileBody
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.Name == "" {
		WriteError(w, http.StatusBadRequest, "id and name are required")
		return
	}
	ctx := r.Context()
	if err := h.profiles.UpsertName(ctx, req.ID, req.Name); err != nil {
		WriteDomainError(w, err)
		return
	}
	if req.Password != "" {
		if err := h.profiles.Share(ctx, req.ID, req.Password); err != nil {
			WriteDomainError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *ProfilesHandler) PutUser(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileId")
	var req userProfileBody
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := h.authorize(r, profileID); err != nil {
		WriteDomainError(w, err)
		return
	}
	ctx := r.Context()
	if req.Name != "" {
		if err := h.profiles.UpsertName(ctx, profileID, req.Name); err != nil {
			WriteDomainError(w, err)
			return
		}
	}
	if req.Password != "" {
		// Sharing an already-shared profile conflicts; the stored password
		// never changes through this path.
		if err := h.profiles.Share(ctx, profileID, req.Password); err != nil {
			WriteDomainError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProfilesHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileId")
	p, err := h.authorize(r, profileID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	_ = h.profiles.TouchLastUsed(r.Context(), profileID)
	WriteJSON(w, http.StatusOK, map[string]any{"id": p.ID, "name": p.Name})
}

type partBody struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Body      string `json:"body"`
}

func (h *ProfilesHandler) postPart(part profiles.Part) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req partBody
		if err := DecodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ID == "" {
			WriteError(w, http.StatusBadRequest, "id is required")
			return
		}
		if err := h.profiles.PutPart(r.Context(), req.ID, part, req.Timestamp, req.Body); err != nil {
			WriteDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func (h *ProfilesHandler) putPart(part profiles.Part) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profileID := chi.URLParam(r, "profileId")
		var req partBody
		if err := DecodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if _, err := h.authorize(r, profileID); err != nil {
			WriteDomainError(w, err)
			return
		}
		if err := h.profiles.PutPart(r.Context(), profileID, part, req.Timestamp, req.Body); err != nil {
			WriteDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *ProfilesHandler) getPart(part profiles.Part) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profileID := chi.URLParam(r, "profileId")
		if _, err := h.authorize(r, profileID); err != nil {
			WriteDomainError(w, err)
			return
		}
		ts, body, err := h.profiles.GetPart(r.Context(), profileID, part)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"timestamp": ts, "body": body})
	}
}

type settingsBody struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Body    string `json:"body"`
}

func (h *ProfilesHandler) PostSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsBody
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		WriteError(w, http.StatusBadRequest, "id is required")
		return
	}
	etag, err := h.profiles.PutSettings(r.Context(), req.ID, req.Version, req.Body)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusCreated)
}

// PutSettings writes the settings blob. An If-None-Match that names the
// current ETag means the caller already holds exactly this content, so the
// write is refused as a failed precondition.
func (h *ProfilesHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileId")
	var req settingsBody
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := h.authorize(r, profileID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == p.SettingsETag {
		WriteError(w, http.StatusPreconditionFailed, "settings unchanged")
		return
	}
	etag, err := h.profiles.PutSettings(r.Context(), profileID, req.Version, req.Body)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProfilesHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileId")
	p, err := h.authorize(r, profileID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == p.SettingsETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", p.SettingsETag)
	WriteJSON(w, http.StatusOK, map[string]any{"version": p.SettingsVersion, "body": p.SettingsBody})
}

type usernameBody struct {
	ClientID  string `json:"clientId"`
	ProfileID string `json:"profileId"`
	Name      string `json:"name"`
}

// PostUsername upserts a profile's display name and, when a client is named,
// links the client to the profile.
func (h *ProfilesHandler) PostUsername(w http.ResponseWriter, r *http.Request) {
	var req usernameBody
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProfileID == "" || req.Name == "" {
		WriteError(w, http.StatusBadRequest, "profileId and name are required")
		return
	}
	ctx := r.Context()
	if err := h.profiles.UpsertName(ctx, req.ProfileID, req.Name); err != nil {
		WriteDomainError(w, err)
		return
	}
	if req.ClientID != "" {
		if err := h.clients.SetProfile(ctx, req.ClientID, req.ProfileID); err != nil {
			WriteDomainError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
