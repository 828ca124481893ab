package diag

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	adaptation "github.com/always-cache/adaptation-registry"
	"github.com/always-cache/adaptation-registry/pkg/service"
)

// Snapshot is the serializable view of one Service exposed by the admin
// surface.
type Snapshot struct {
	Identity       string `json:"identity" yaml:"identity"`
	Method         string `json:"method" yaml:"method"`
	VectoringPoint string `json:"vectoring_point" yaml:"vectoring_point"`
	Bypass         string `json:"bypass" yaml:"bypass"`
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	Up             bool   `json:"up" yaml:"up"`
	Broken         bool   `json:"broken" yaml:"broken"`
	Probed         bool   `json:"probed" yaml:"probed"`
	Status         string `json:"status" yaml:"status"`
	Stats          service.Stats `json:"stats" yaml:"stats"`
}

func snapshot(svc *service.Service) Snapshot {
	return Snapshot{
		Identity:       svc.Identity(),
		Method:         string(svc.Method()),
		VectoringPoint: string(svc.VectoringPoint()),
		Bypass:         string(svc.Bypass()),
		Endpoint:       svc.Endpoint().String(),
		Up:             svc.Up(),
		Broken:         svc.Broken(),
		Probed:         svc.Probed(),
		Status:         svc.Status(),
		Stats:          svc.Stats(),
	}
}

// NewRouter mounts the admin diagnostic surface over reg. Recording every
// probe's outcome into hist is the caller's responsibility (the core
// Service itself only logs; hist is purely for the /history endpoint).
func NewRouter(reg *adaptation.Registry, hist *History) chi.Router {
	r := chi.NewRouter()

	r.Get("/services", func(w http.ResponseWriter, req *http.Request) {
		all := reg.All()
		snaps := make([]Snapshot, 0, len(all))
		for _, svc := range all {
			snaps = append(snaps, snapshot(svc))
		}
		writeList(w, req, snaps)
	})

	r.Get("/services/{id}", func(w http.ResponseWriter, req *http.Request) {
		svc, ok := reg.Lookup(chi.URLParam(req, "id"))
		if !ok {
			http.NotFound(w, req)
			return
		}
		writeOne(w, req, snapshot(svc))
	})

	r.Get("/services/{id}/status", func(w http.ResponseWriter, req *http.Request) {
		svc, ok := reg.Lookup(chi.URLParam(req, "id"))
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(svc.Status() + "\n"))
	})

	r.Post("/services/{id}/probe", func(w http.ResponseWriter, req *http.Request) {
		svc, ok := reg.Lookup(chi.URLParam(req, "id"))
		if !ok {
			http.NotFound(w, req)
			return
		}
		svc.ForceProbe()
		w.WriteHeader(http.StatusAccepted)
	})

	if hist != nil {
		r.Get("/services/{id}/history", func(w http.ResponseWriter, req *http.Request) {
			limit := 50
			if raw := req.URL.Query().Get("limit"); raw != "" {
				if n, err := strconv.Atoi(raw); err == nil && n > 0 {
					limit = n
				}
			}
			entries, err := hist.Recent(chi.URLParam(req, "id"), limit)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(entries)
		})
	}

	return r
}

func writeList(w http.ResponseWriter, req *http.Request, snaps []Snapshot) {
	if req.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		yaml.NewEncoder(w).Encode(snaps)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snaps)
}

func writeOne(w http.ResponseWriter, req *http.Request, snap Snapshot) {
	if req.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		yaml.NewEncoder(w).Encode(snap)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
