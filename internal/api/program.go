package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/banshee-data/aoi.edge/internal/alignment"
	"github.com/banshee-data/aoi.edge/internal/httputil"
	"github.com/banshee-data/aoi.edge/internal/orchestrator"
	"github.com/banshee-data/aoi.edge/internal/program"
	"github.com/banshee-data/aoi.edge/internal/transform"
)

type alignRequest struct {
	RunRefs []alignment.RuntimeRef `json:"run_refs"`
}

type alignResponse struct {
	CorrectedPoints []orchestrator.Point `json:"corrected_points"`
	Transform       transform.Transform  `json:"transform"`
	Matrix          [2][3]float64        `json:"matrix"`
	Quality         transform.Quality    `json:"quality"`
}

type scanRequest struct {
	WidthMM        float64 `json:"width_mm"`
	HeightMM       float64 `json:"height_mm"`
	OverlapPercent float64 `json:"overlap_percent"`
}

// handleProgram dispatches /api/program/...
func (s *Server) handleProgram(w http.ResponseWriter, r *http.Request) {
	seg := pathSegments(r.URL.Path, "/api/program/")
	if len(seg) == 0 {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(seg) == 1 && seg[0] == "align":
		s.alignProgram(w, r)
	case len(seg) == 1 && seg[0] == "current":
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		if s.authorize(w, r, capReview) {
			httputil.WriteJSONOK(w, s.workspace.Current())
		}
	case len(seg) == 1 && seg[0] == "list":
		s.listPrograms(w, r)
	case len(seg) == 1 && seg[0] == "clear":
		if r.Method != http.MethodDelete {
			httputil.MethodNotAllowed(w, http.MethodDelete)
			return
		}
		if !s.authorize(w, r, capTeach) {
			return
		}
		p, err := s.workspace.Clear(r.Context())
		s.writeProgram(w, p, err)
	case len(seg) == 1 && seg[0] == "import":
		s.importProgram(w, r)
	case len(seg) == 2 && seg[0] == "record" && seg[1] == "point":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		if !s.authorize(w, r, capTeach) {
			return
		}
		p, err := s.workspace.RecordPoint(r.Context())
		s.writeProgram(w, p, err)
	case len(seg) == 3 && seg[0] == "record" && seg[1] == "ref":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		if !s.authorize(w, r, capTeach) {
			return
		}
		idx, err := strconv.Atoi(seg[2])
		if err != nil {
			httputil.BadRequest(w, "reference index must be 1, 2, or 3")
			return
		}
		p, err := s.workspace.RecordRef(r.Context(), idx)
		s.writeProgram(w, p, err)
	case len(seg) == 2 && seg[0] == "save":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		if !s.authorize(w, r, capTeach) {
			return
		}
		p, err := s.workspace.SaveAs(r.Context(), seg[1])
		s.writeProgram(w, p, err)
	case len(seg) == 2 && seg[0] == "load":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		if !s.authorize(w, r, capRun, capTeach) {
			return
		}
		p, err := s.workspace.Load(r.Context(), seg[1])
		s.writeProgram(w, p, err)
	case len(seg) == 3 && seg[0] == "export":
		s.exportProgram(w, r, seg[1], seg[2])
	case len(seg) == 1:
		if r.Method != http.MethodDelete {
			httputil.MethodNotAllowed(w, http.MethodDelete)
			return
		}
		if !s.authorize(w, r, capTeach) {
			return
		}
		if err := s.programs.Delete(r.Context(), seg[0]); err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"deleted": seg[0]})
	default:
		http.NotFound(w, r)
	}
}

// writeProgram writes p, or err as an error response.
func (s *Server) writeProgram(w http.ResponseWriter, p *program.Program, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, p)
}

func (s *Server) alignProgram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authorize(w, r, capRun) {
		return
	}

	var req alignRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	cfg := s.config()
	c, err := alignment.Correct(s.workspace.Current(), req.RunRefs, transform.Options{
		AllowScale:  cfg.GetAllowScale(),
		MaxResidual: cfg.GetMaxResidualMM(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	points := make([]orchestrator.Point, len(c.Points))
	for i, p := range c.Points {
		points[i] = orchestrator.Point{ID: p.ID, X: program.Round2(p.X), Y: program.Round2(p.Y)}
	}
	httputil.WriteJSONOK(w, alignResponse{
		CorrectedPoints: points,
		Transform:       c.Transform,
		Matrix:          c.Matrix,
		Quality:         c.Quality,
	})
}

func (s *Server) listPrograms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.authorize(w, r, capReview) {
		return
	}
	list, err := s.programs.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []program.Summary{}
	}
	httputil.WriteJSONOK(w, list)
}

func (s *Server) importProgram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authorize(w, r, capTeach) {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, httputil.MaxBodyBytes))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("failed to read program: %v", err))
		return
	}
	p, err := s.workspace.Import(r.Context(), data)
	s.writeProgram(w, p, err)
}

func (s *Server) exportProgram(w http.ResponseWriter, r *http.Request, name, format string) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.authorize(w, r, capReview) {
		return
	}
	if format != "gcode" && format != "toolpath.png" {
		http.NotFound(w, r)
		return
	}

	p, err := s.programs.Load(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}

	if format == "gcode" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.nc", p.Name))
		io.WriteString(w, program.GCode(p))
		return
	}

	var buf bytes.Buffer
	if err := program.RenderToolpath(p, &buf); err != nil {
		writeError(w, fmt.Errorf("failed to render toolpath: %w", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

func (s *Server) handleScanPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authorize(w, r, capTeach) {
		return
	}

	var req scanRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	st, err := s.guard.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	cfg := s.config()
	path, err := program.ScanPath(program.ScanConfig{
		WidthMM:        req.WidthMM,
		HeightMM:       req.HeightMM,
		OverlapPercent: req.OverlapPercent,
	}, cfg.GetFOVWidth(), cfg.GetFOVHeight(), st.Offset.X, st.Offset.Y)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"points": path,
		"count":  len(path),
	})
}
