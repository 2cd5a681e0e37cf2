package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/antonellof/VeronaDB/pkg/core"
	"github.com/antonellof/VeronaDB/pkg/storage"
	"github.com/gorilla/mux"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server provides the HTTP read and monitoring surface over an opened
// database: health, statistics, property and adjacency reads.
type Server struct {
	db     *core.VeronaDB
	config *ServerConfig
	router *mux.Router
	server *http.Server
	logger *log.Logger
}

// NewServer creates a new server for the given database
func NewServer(db *core.VeronaDB, config *ServerConfig, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		db:     db,
		config: config,
		router: mux.NewRouter(),
		logger: logger,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.loggingMiddleware(s.router),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Start starts the HTTP server (blocking)
func (s *Server) Start() error {
	s.logger.Printf("starting VeronaDB server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Printf("stopping VeronaDB server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/tables", s.handleTables).Methods("GET")
	s.router.HandleFunc("/tables/{table}/nodes/{offset}/properties/{prop}", s.handleNodeProperty).Methods("GET")
	s.router.HandleFunc("/rels/{rel}/{dir}/{table}/{offset}", s.handleAdjacency).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.db.Health())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.db.Stats())
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	stats := s.db.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_tables": stats.NodeTables,
		"rel_tables":  stats.RelTables,
	})
}

func (s *Server) handleNodeProperty(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	offset, err := strconv.ParseUint(vars["offset"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node offset", err)
		return
	}

	tx := s.db.BeginRead()
	defer s.db.EndRead(tx)

	value, err := s.db.NodeProperty(tx, vars["table"], offset, vars["prop"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, "property read failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"table":    vars["table"],
		"offset":   offset,
		"property": vars["prop"],
		"value":    value,
	})
}

func (s *Server) handleAdjacency(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dir, err := storage.ParseDirection(vars["dir"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid direction", err)
		return
	}
	tableID, err := strconv.ParseUint(vars["table"], 10, 16)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid table id", err)
		return
	}
	offset, err := strconv.ParseUint(vars["offset"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node offset", err)
		return
	}

	tx := s.db.BeginRead()
	defer s.db.EndRead(tx)

	bound := storage.NodeID{Table: storage.TableID(tableID), Offset: offset}
	nbrs, err := s.db.Adjacency(tx, vars["rel"], dir, bound)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "adjacency read failed", err)
		return
	}
	type nodeRef struct {
		Table  uint16 `json:"table"`
		Offset uint64 `json:"offset"`
	}
	out := make([]nodeRef, len(nbrs))
	for i, nbr := range nbrs {
		out[i] = nodeRef{Table: uint16(nbr.Table), Offset: nbr.Offset}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rel":       vars["rel"],
		"direction": dir.String(),
		"neighbors": out,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	s.logger.Printf("API error: %s - %v", message, err)
	s.writeJSON(w, status, map[string]string{
		"error":  message,
		"detail": err.Error(),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}
