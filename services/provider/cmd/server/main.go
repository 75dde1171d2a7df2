package main

import (
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"strconv"

	"pact/pkg/envelope"
	"pact/pkg/httpx"
	"pact/pkg/identity"
	"pact/pkg/negotiation"
	"pact/pkg/protocol"
	"pact/pkg/settlement"
	"pact/services/provider/internal/config"
	"pact/services/provider/internal/seller"

	"github.com/go-chi/chi/v5"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	id, err := loadIdentity(cfg.Agent)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	base, err := negotiation.ParsePrice(cfg.Pricing.BasePrice)
	if err != nil {
		log.Fatalf("pricing base_price: %v", err)
	}
	floor, err := negotiation.ParsePrice(cfg.Pricing.FloorPrice)
	if err != nil {
		log.Fatalf("pricing floor_price: %v", err)
	}

	prov := settlement.NewLocal()
	prov.PendingPolls = cfg.Settlement.PendingPolls
	prov.ChunkSize = cfg.Settlement.ChunkSize
	prov.FailCommit = cfg.Settlement.FailCommit
	prov.FailReveal = cfg.Settlement.FailReveal

	sl := seller.New(id, base, floor, cfg.Pricing.Unit, prov)
	sl.CredentialType = cfg.Credential.Type
	sl.CredentialTier = cfg.Credential.Tier

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/pact", func(w http.ResponseWriter, r *http.Request) {
		var env envelope.SignedEnvelope
		if err := httpx.ReadJSON(r, &env); err != nil {
			httpx.WriteError(w, 400, protocol.CodeProviderError, "bad envelope json: "+err.Error())
			return
		}
		reply, err := sl.Reply(r.Context(), env)
		if err != nil {
			httpx.WriteError(w, 400, protocol.CodeIntegrityFailure, err.Error())
			return
		}
		httpx.WriteJSON(w, 200, reply)
	})

	r.Post("/quote", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Intent      envelope.Message `json:"intent"`
			AgreedPrice string           `json:"agreed_price"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, protocol.CodeProviderError, "bad json: "+err.Error())
			return
		}
		h, err := prov.Prepare(r.Context(), req.Intent, req.AgreedPrice)
		if err != nil {
			httpx.WriteError(w, 500, protocol.CodeProviderError, err.Error())
			return
		}
		httpx.WriteJSON(w, 200, h)
	})

	r.Post("/commit", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			HandleID string `json:"handle_id"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, protocol.CodeProviderError, "bad json: "+err.Error())
			return
		}
		res, err := sl.CommitOrPoll(r.Context(), settlement.Handle{ID: req.HandleID})
		if err != nil {
			httpx.WriteError(w, 500, protocol.CodeProviderError, err.Error())
			return
		}
		httpx.WriteJSON(w, 200, res)
	})

	r.Post("/reveal", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			HandleID string `json:"handle_id"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, protocol.CodeProviderError, "bad json: "+err.Error())
			return
		}
		res, err := prov.Reveal(r.Context(), settlement.Handle{ID: req.HandleID})
		if err != nil {
			httpx.WriteError(w, 500, protocol.CodeProviderError, err.Error())
			return
		}
		httpx.WriteJSON(w, 200, res)
	})

	r.Post("/stream/chunk", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			HandleID string `json:"handle_id"`
			Tick     int    `json:"tick"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, protocol.CodeProviderError, "bad json: "+err.Error())
			return
		}
		res, err := prov.Chunk(r.Context(), settlement.Handle{ID: req.HandleID}, req.Tick)
		if err != nil {
			httpx.WriteError(w, 500, protocol.CodeProviderError, err.Error())
			return
		}
		httpx.WriteJSON(w, 200, res)
	})

	r.Get("/credential", func(w http.ResponseWriter, r *http.Request) {
		desc, err := sl.CredentialDescriptor()
		if err != nil {
			httpx.WriteError(w, 500, protocol.CodeProviderError, err.Error())
			return
		}
		httpx.WriteJSON(w, 200, desc)
	})

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	log.Printf("provider %s listening on %s (base=%s floor=%s)", id.AgentID, addr, cfg.Pricing.BasePrice, cfg.Pricing.FloorPrice)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal(err)
	}
}

func loadIdentity(cfg config.AgentConfig) (*identity.Context, error) {
	if cfg.Seed == "" {
		return identity.Generate(cfg.ID)
	}
	seed, err := hex.DecodeString(cfg.Seed)
	if err != nil {
		return nil, err
	}
	return identity.FromSeed(cfg.ID, seed)
}
