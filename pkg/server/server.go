// Package server exposes the analysis pipeline over HTTP.
package server

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zen-systems/gdprcheck/pkg/archive"
	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/ingest"
	"github.com/zen-systems/gdprcheck/pkg/pipeline"
	"github.com/zen-systems/gdprcheck/pkg/report"
	"github.com/zen-systems/gdprcheck/pkg/validate"
)

// Analyzer runs analysis requests. *pipeline.Scheduler implements it.
type Analyzer interface {
	Run(ctx context.Context, req pipeline.AnalysisRequest) (*pipeline.Run, error)
	Catalog() *catalog.Catalog
}

// Server serves the HTTP API.
type Server struct {
	analyzer Analyzer
	store    *archive.Store
	policy   report.ScorePolicy
	logger   *zap.SugaredLogger
	router   *gin.Engine
}

// New builds a Server. store may be nil, in which case analyses are not
// retrievable after the POST returns.
func New(analyzer Analyzer, store *archive.Store, policy report.ScorePolicy, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		analyzer: analyzer,
		store:    store,
		policy:   policy,
		logger:   logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog())

	router.GET("/", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/stages", s.stages)
		api.POST("/documents", s.uploadDocument)
		api.POST("/analyze", s.analyze)
		api.GET("/analyses", s.listAnalyses)
		api.GET("/analyses/:id", s.getAnalysis)
		api.GET("/analyses/:id/executive", s.getExecutive)
	}
	return router
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Infow("http server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugw("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "gdprcheck",
		"catalog": s.analyzer.Catalog().Name,
	})
}

type stageView struct {
	Name         string   `json:"name"`
	Level        int      `json:"level"`
	Inputs       []string `json:"inputs"`
	DependsOn    []string `json:"depends_on"`
	AllowPartial bool     `json:"allow_partial"`
}

func (s *Server) stages(c *gin.Context) {
	cat := s.analyzer.Catalog()
	var out []stageView
	for level, specs := range cat.Levels() {
		for _, spec := range specs {
			deps := spec.DependsOn
			if deps == nil {
				deps = []string{}
			}
			out = append(out, stageView{
				Name:         spec.Name,
				Level:        level,
				Inputs:       spec.InputNames(),
				DependsOn:    deps,
				AllowPartial: spec.AllowPartial,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"catalog": cat.Name, "stages": out})
}

type analyzeResponse struct {
	AnalysisID string                   `json:"analysis_id"`
	RunStatus  pipeline.RunStatus       `json:"run_status"`
	Report     *report.ComplianceReport `json:"report"`
}

func (s *Server) analyze(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, ingest.DefaultMaxSize)

	var body pipeline.AnalysisRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req, err := normalizeRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := s.analyzer.Run(c.Request.Context(), req)
	if err != nil {
		var verr *validate.Error
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis request", "violations": verr.Violations})
			return
		}
		s.logger.Errorw("analysis aborted", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis aborted"})
		return
	}

	rep, err := report.Synthesize(run, s.policy)
	if err != nil {
		s.logger.Errorw("report synthesis failed", "run_id", run.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report synthesis failed"})
		return
	}

	if s.store != nil {
		if err := s.store.SaveRun(run); err != nil {
			s.logger.Warnw("failed to archive run", "run_id", run.ID, "error", err)
		} else if err := s.store.SaveReport(rep); err != nil {
			s.logger.Warnw("failed to archive report", "run_id", run.ID, "error", err)
		}
	}

	c.JSON(http.StatusOK, analyzeResponse{AnalysisID: run.ID, RunStatus: run.Status, Report: rep})
}

type documentResponse struct {
	Filename      string `json:"filename"`
	ExtractedText string `json:"extracted_text"`
	TextLength    int    `json:"text_length"`
}

// uploadDocument extracts the text of a multipart "file" upload so it can
// be submitted as policy_text.
func (s *Server) uploadDocument(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, ingest.DefaultMaxSize)

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !slices.Contains(ingest.Extensions, ext) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported document type", "supported": ingest.Extensions})
		return
	}

	f, err := header.Open()
	if err != nil {
		s.logger.Errorw("open upload failed", "filename", header.Filename, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		s.logger.Errorw("read upload failed", "filename", header.Filename, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
		return
	}

	text, err := ingest.Normalize(data, ext)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	s.logger.Infow("document extracted", "filename", header.Filename, "bytes", len(data), "chars", len(text))
	c.JSON(http.StatusOK, documentResponse{
		Filename:      filepath.Base(header.Filename),
		ExtractedText: text,
		TextLength:    len(text),
	})
}

// normalizeRequest applies the same text normalization as file ingestion.
func normalizeRequest(req pipeline.AnalysisRequest) (pipeline.AnalysisRequest, error) {
	policy, err := ingest.Normalize([]byte(req.PolicyText), ".txt")
	if err != nil {
		return req, errors.Wrap(err, "policy_text")
	}
	system, err := ingest.Normalize([]byte(req.SystemDescription), ".txt")
	if err != nil {
		return req, errors.Wrap(err, "system_description")
	}
	return pipeline.AnalysisRequest{PolicyText: policy, SystemDescription: system}, nil
}

func (s *Server) listAnalyses(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"analyses": []archive.Summary{}})
		return
	}
	list, err := s.store.List()
	if err != nil {
		s.logger.Errorw("list analyses failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive unavailable"})
		return
	}
	if list == nil {
		list = []archive.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"analyses": list})
}

func (s *Server) getAnalysis(c *gin.Context) {
	rep, ok := s.loadReport(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) getExecutive(c *gin.Context) {
	rep, ok := s.loadReport(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"executive_summary": report.Executive(rep)})
}

// loadReport returns the stored report, re-synthesizing it from the
// archived run when only the run was saved.
func (s *Server) loadReport(c *gin.Context) (*report.ComplianceReport, bool) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return nil, false
	}
	id := c.Param("id")

	rep, err := s.store.LoadReport(id)
	if errors.Is(err, archive.ErrNotFound) {
		var run *pipeline.Run
		run, err = s.store.LoadRun(id)
		if err == nil {
			rep, err = report.Synthesize(run, s.policy)
			if err == nil {
				if saveErr := s.store.SaveReport(rep); saveErr != nil {
					s.logger.Warnw("failed to archive report", "run_id", id, "error", saveErr)
				}
			}
		}
	}

	switch {
	case err == nil:
		return rep, true
	case errors.Is(err, archive.ErrInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis id"})
	case errors.Is(err, archive.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
	default:
		s.logger.Errorw("load analysis failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive unavailable"})
	}
	return nil, false
}
