package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/howard-nolan/llmgateway/internal/apierror"
	"github.com/howard-nolan/llmgateway/internal/protocol"
	"github.com/howard-nolan/llmgateway/internal/relay"
)

// maxBodyBytes caps downstream request bodies at 32 MiB.
const maxBodyBytes = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.engine.Models(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}

func (s *Server) completionHandler(shape protocol.Shape) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.buildRequest(w, r, shape)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.engine.Completion(r.Context(), w, req); err != nil {
			s.writeError(w, err)
		}
	}
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	req, err := s.buildRequest(w, r, protocol.ShapeChat)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.Embeddings(r.Context(), w, req); err != nil {
		s.writeError(w, err)
	}
}

func (s *Server) buildRequest(w http.ResponseWriter, r *http.Request, shape protocol.Shape) (*relay.Request, error) {
	info := authFrom(r.Context())
	if info == nil {
		return nil, apierror.New(apierror.Unauthorized, "missing authentication")
	}
	ceiling, err := maxMultiplierHeader(r)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apierror.Wrap(apierror.InvalidRequest, err, "reading request body")
	}
	return &relay.Request{
		Shape:         shape,
		Body:          body,
		User:          info.User,
		Key:           info.Key,
		RequestID:     info.RequestID,
		RequestIP:     info.ClientIP,
		MaxMultiplier: ceiling,
	}, nil
}

// writeError renders the wire error envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	apiErr := apierror.From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	json.NewEncoder(w).Encode(apiErr.ToEnvelope())
}
