package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mukund-aria/ai-flow-saas-sub001/logger"
	"github.com/mukund-aria/ai-flow-saas-sub001/model"
)

func (s *Server) HandleSaveDefinition(w http.ResponseWriter, r *http.Request) {
	var def model.FlowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed definition body")
		return
	}
	defer r.Body.Close()
	if err := s.definitions.SaveDefinition(r.Context(), def); err != nil {
		logger.Error("error saving definition", zap.String("definition", def.Name), zap.Error(err))
		respondErr(w, err)
		return
	}
	respondOK(w, "created")
}

func (s *Server) HandleGetDefinition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, ok := vars["name"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "missing definition name")
		return
	}
	def, err := s.definitions.GetDefinition(r.Context(), name)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, def)
}

func (s *Server) HandleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, ok := vars["name"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "missing definition name")
		return
	}
	if err := s.definitions.DeleteDefinition(r.Context(), name); err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, "deleted")
}
