package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/banshee-data/aoi.edge/internal/alignment"
	"github.com/banshee-data/aoi.edge/internal/history"
	"github.com/banshee-data/aoi.edge/internal/httputil"
	"github.com/banshee-data/aoi.edge/internal/motion"
	"github.com/banshee-data/aoi.edge/internal/orchestrator"
	"github.com/banshee-data/aoi.edge/internal/security"
)

type startRunRequest struct {
	Points      []orchestrator.Point `json:"points"`
	PartNo      string               `json:"part_no"`
	BatchNo     string               `json:"batch_no"`
	ProgramName string               `json:"program_name,omitempty"`
}

type startAlignmentRequest struct {
	PartNo  string `json:"part_no"`
	BatchNo string `json:"batch_no"`
}

type jogRequest struct {
	Axis     string  `json:"axis"`
	Distance float64 `json:"distance"`
}

// handleMotion dispatches /api/motion/...
func (s *Server) handleMotion(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/motion/"), "/")

	if action == "status" {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		if !s.authorize(w, r, capReview) {
			return
		}
		st, err := s.guard.Status(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, map[string]interface{}{
			"state":   st.State,
			"machine": st.Machine,
			"work":    st.Work,
			"offset":  st.Offset,
			"holder":  s.guard.Holder(),
		})
		return
	}

	if action != "jog" && action != "home" && action != "zero" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}

	caps := []string{capMotion}
	if action == "jog" && s.session.Status().State == alignment.StateAligningRef {
		// Operators locate fiducials by jogging.
		caps = append(caps, capRun)
	}
	if !s.authorize(w, r, caps...) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config().GetMotionTimeout())
	defer cancel()

	var err error
	switch action {
	case "jog":
		var req jogRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		axis, perr := motion.ParseAxis(req.Axis)
		if perr != nil {
			writeError(w, perr)
			return
		}
		err = s.guard.Jog(ctx, axis, req.Distance)
	case "home":
		err = s.guard.Home(ctx)
	case "zero":
		err = s.guard.SetWorkZero(ctx)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	st, err := s.guard.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, st)
}

// handleAlignment dispatches /api/alignment/...
func (s *Server) handleAlignment(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/alignment/"), "/")

	if action == "status" {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		if s.authorize(w, r, capReview) {
			httputil.WriteJSONOK(w, s.session.Status())
		}
		return
	}

	if action != "start" && action != "confirm" && action != "cancel" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authorize(w, r, capRun) {
		return
	}

	var err error
	switch action {
	case "start":
		var req startAlignmentRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		err = s.session.StartAlignment(r.Context(), s.workspace.Current(), history.Metadata{
			PartNo:  req.PartNo,
			BatchNo: req.BatchNo,
		})
	case "confirm":
		err = s.session.ConfirmRef(r.Context())
	case "cancel":
		s.session.Cancel()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.session.Status())
}

// handleOrchestrator dispatches /api/orchestrator/...
func (s *Server) handleOrchestrator(w http.ResponseWriter, r *http.Request) {
	seg := pathSegments(r.URL.Path, "/api/orchestrator/")
	switch {
	case len(seg) == 1 && seg[0] == "start":
		s.startRun(w, r)
	case len(seg) == 1 && seg[0] == "stop":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		if !s.authorize(w, r, capRun) {
			return
		}
		stopped := s.orch.Stop()
		httputil.WriteJSONOK(w, map[string]bool{"stopping": stopped})
	case len(seg) == 1 && seg[0] == "status":
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		if s.authorize(w, r, capReview) {
			httputil.WriteJSONOK(w, s.orch.Status())
		}
	case len(seg) >= 1 && seg[0] == "history":
		s.handleHistory(w, r, seg[1:])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authorize(w, r, capRun) {
		return
	}

	var req startRunRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runID, err := s.orch.Start(r.Context(), req.Points, history.Metadata{
		PartNo:      req.PartNo,
		BatchNo:     req.BatchNo,
		ProgramName: req.ProgramName,
	}, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"run_id": runID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, seg []string) {
	switch {
	case len(seg) == 0:
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		if !s.authorize(w, r, capReview) {
			return
		}
		runs, err := s.history.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if runs == nil {
			runs = []history.Summary{}
		}
		httputil.WriteJSONOK(w, runs)
	case len(seg) == 1:
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		if !s.authorize(w, r, capReview) {
			return
		}
		run, err := s.history.Get(r.Context(), seg[0])
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, run)
	case len(seg) == 2 && seg[1] == "update_result":
		s.updateResult(w, r, seg[0])
	case len(seg) == 2 && seg[1] == "upload":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		if !s.authorize(w, r, capUpload) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config().GetUploadTimeout())
		defer cancel()
		msg, err := s.history.Upload(ctx, seg[0])
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"message": msg})
	default:
		http.NotFound(w, r)
	}
}

// updateResult applies a review override. The point and verdict arrive as
// query parameters.
func (s *Server) updateResult(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authorize(w, r, capReview) {
		return
	}

	q := r.URL.Query()
	pointID, err := strconv.Atoi(q.Get("point_id"))
	if err != nil {
		httputil.BadRequest(w, "point_id must be an integer")
		return
	}
	result := q.Get("new_result")
	if err := s.history.UpdateResult(r.Context(), runID, pointID, result); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"run_id":     runID,
		"point_id":   pointID,
		"new_result": result,
	})
}

// handleImage serves /api/history/images/{run_id}/{file}.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.authorize(w, r, capReview) {
		return
	}

	seg := pathSegments(r.URL.Path, "/api/history/images/")
	if len(seg) != 2 || path.Ext(seg[1]) != ".jpg" {
		http.NotFound(w, r)
		return
	}
	rel := seg[0] + "/" + seg[1]
	if _, err := security.ResolveWithin(s.history.ImageDir(), rel); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	data, err := s.history.ReadImage(rel)
	if errors.Is(err, fs.ErrNotExist) {
		httputil.WriteJSONError(w, http.StatusNotFound, "image_not_found", "image not found")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Write(data)
}
