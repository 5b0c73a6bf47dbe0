package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/meshworks/fedsync/node"
	"github.com/sirupsen/logrus"
)

// Service exposes a read-only HTTP API over a running node.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	router      *mux.Router
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		router:      mux.NewRouter(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	s.router.HandleFunc("/stats", s.makeHandler(s.GetStats)).Methods("GET")
	s.router.HandleFunc("/head", s.makeHandler(s.GetHead)).Methods("GET")
	s.router.HandleFunc("/checkpoints/{epoch}", s.makeHandler(s.GetCheckpoint)).Methods("GET")
	s.router.HandleFunc("/blocks/{id}", s.makeHandler(s.GetBlock)).Methods("GET")
	s.router.HandleFunc("/peers", s.makeHandler(s.GetPeers)).Methods("GET")
	s.router.HandleFunc("/validators", s.makeHandler(s.GetValidators)).Methods("GET")
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	err := http.ListenAndServe(s.bindAddress, s.router)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetHead returns the checkpoint at the head of the local chain.
func (s *Service) GetHead(w http.ResponseWriter, r *http.Request) {
	epoch := s.node.HeadEpoch()
	if epoch == 0 {
		http.Error(w, "no checkpoints yet", http.StatusNotFound)
		return
	}

	cp, err := s.node.GetCheckpoint(epoch)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving head checkpoint %d", epoch)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(cp)
}

// GetCheckpoint ...
func (s *Service) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	param := mux.Vars(r)["epoch"]

	epoch, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing epoch parameter %s", param)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cp, err := s.node.GetCheckpoint(epoch)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving checkpoint %d", epoch)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(cp)
}

// GetBlock ...
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	block, err := s.node.GetBlock(id)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving block %s", id)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(block)
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.GetPeers())
}

// GetValidators ...
func (s *Service) GetValidators(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.node.GetValidators())
}
