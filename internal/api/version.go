package api

import (
	"net/http"

	"github.com/shaharia-lab/outagewatch/internal/build"
)

// handleVersion reports the running build so operators can match a deployment
// to a release.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, build.Get())
}
